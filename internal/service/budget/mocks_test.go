package budget

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/privacy-decision-gateway/internal/domain/budget"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, subjectID string) (*budget.Account, error) {
	args := m.Called(ctx, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*budget.Account), args.Error(1)
}

func (m *mockStore) CompareAndSwap(ctx context.Context, expected int64, next *budget.Account) (bool, error) {
	args := m.Called(ctx, expected, next)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, subjectID string) error {
	args := m.Called(ctx, subjectID)
	return args.Error(0)
}
