package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusGatewayTimeout, KindTimeout, true},
		{http.StatusBadGateway, KindUnavailable, true},
		{http.StatusInternalServerError, KindUnavailable, true},
		{http.StatusUnauthorized, KindAuth, false},
		{http.StatusForbidden, KindAuth, false},
		{http.StatusBadRequest, KindInvalid, false},
		{http.StatusNotFound, KindNotFound, false},
		{http.StatusUnprocessableEntity, KindRejected, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.status), func(t *testing.T) {
			e := FromHTTPStatus("op", c.status, nil)
			assert.Equal(t, c.kind, e.Kind)
			assert.Equal(t, c.retryable, e.Kind.Retryable())
			assert.Equal(t, c.status, e.Code)
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("wrap: %w", E(KindAuth, "place_order", nil))
	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnavailable, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.True(t, IsNotFound(E(KindNotFound, "cancel_order", nil)))
	assert.False(t, IsNotFound(errors.New("x")))
}

func TestAmbiguousKinds(t *testing.T) {
	assert.True(t, KindTimeout.Ambiguous())
	assert.True(t, KindUnavailable.Ambiguous())
	// 限流与终态拒绝都说明请求没有被接受
	assert.False(t, KindRateLimited.Ambiguous())
	assert.False(t, KindRejected.Ambiguous())
	assert.False(t, KindInvalid.Ambiguous())
}
