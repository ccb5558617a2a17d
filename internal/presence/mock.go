package presence

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMirror struct {
	mock.Mock
}

func (m *MockMirror) Online(ctx context.Context, user, conn string) error {
	args := m.Called(ctx, user, conn)
	return args.Error(0)
}

func (m *MockMirror) Offline(ctx context.Context, user string) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}
