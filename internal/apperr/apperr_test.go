package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("empty query"), http.StatusBadRequest},
		{NotFound("doc"), http.StatusNotFound},
		{Forbidden("doc"), http.StatusForbidden},
		{SizeLimit("too big"), http.StatusRequestEntityTooLarge},
		{Upstream("model", errors.New("dial")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", NotFound("x")), http.StatusNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load: %w", NotFound("document abc"))
	assert.True(t, errors.Is(err, NotFound("")))
	assert.False(t, errors.Is(err, Forbidden("")))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestPublicMessageHidesInternalDetail(t *testing.T) {
	err := Internal("insert chunks", errors.New("E11000 duplicate key on clinical_kb.documents"))
	assert.Equal(t, "An unexpected error occurred", PublicMessage(err))
	assert.Equal(t, "An unexpected error occurred", PublicMessage(errors.New("raw")))
	assert.Equal(t, "question is required", PublicMessage(Validation("question is required")))
}
