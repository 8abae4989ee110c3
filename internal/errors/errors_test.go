package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/studyroom/internal/errors"
)

func TestError_Mapping(t *testing.T) {
	tests := map[string]struct {
		err      *errors.Error
		wantHTTP int
		wantGRPC codes.Code
	}{
		"validation maps to bad request": {
			err:      errors.Validation("name %q is taken", "r1"),
			wantHTTP: http.StatusBadRequest,
			wantGRPC: codes.InvalidArgument,
		},
		"invalid operation maps to conflict": {
			err:      errors.InvalidOperation("admin cannot be removed"),
			wantHTTP: http.StatusConflict,
			wantGRPC: codes.FailedPrecondition,
		},
		"permission denied maps to forbidden": {
			err:      errors.PermissionDenied("not the admin"),
			wantHTTP: http.StatusForbidden,
			wantGRPC: codes.PermissionDenied,
		},
		"not found maps to not found": {
			err:      errors.NotFound("room not found"),
			wantHTTP: http.StatusNotFound,
			wantGRPC: codes.NotFound,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.wantHTTP, tt.err.HTTPStatusCode())
			assert.Equal(t, tt.wantGRPC, status.Code(tt.err))
		})
	}
}

func TestConvert(t *testing.T) {
	wrapped := fmt.Errorf("remove member: %w", errors.InvalidOperation("admin cannot be removed"))

	e := errors.Convert(wrapped)
	require.Equal(t, errors.CodeFailedPrecondition, e.Code)
	require.Equal(t, "admin cannot be removed", e.Message)
	require.True(t, errors.Is(wrapped, errors.CodeFailedPrecondition))
	require.False(t, errors.Is(wrapped, errors.CodeNotFound))

	plain := stderrors.New("boom")
	e = errors.Convert(plain)
	require.Equal(t, errors.CodeInternal, e.Code)
	require.ErrorIs(t, e, plain)
}
