package vision

import "context"

// Mock is a deterministic Client for tests.
type Mock struct {
	Result *Result
	Err    error

	Calls []Request
}

func (m *Mock) Review(ctx context.Context, req Request) (*Result, error) {
	m.Calls = append(m.Calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &Result{Liveness: VerdictApprove, Logistics: VerdictApprove}, nil
}
