package llms

import (
	"fmt"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/sidekick/pkg/httpclient"
)

func TestClassifyNetworkErrorsAsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			"connection refused",
			&url.Error{Op: "Post", URL: "https://api.anthropic.com/v1/messages",
				Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}},
		},
		{
			"connection reset",
			&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
		},
		{
			"dns failure",
			&net.DNSError{Err: "no such host", Name: "api.openai.com", IsNotFound: true},
		},
		{
			"wrapped transport error",
			fmt.Errorf("stream request: %w", &url.Error{Op: "Post", URL: "http://x", Err: syscall.ECONNREFUSED}),
		},
		{
			"retryable http error",
			&httpclient.RetryableError{StatusCode: 503},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ErrTransient, Classify(tt.err))
		})
	}
}

func TestClassifyDefaultsAndProviderKinds(t *testing.T) {
	assert.Equal(t, ErrFatal, Classify(fmt.Errorf("unknown model")))
	assert.Equal(t, ErrAuth, Classify(&ProviderError{Provider: "anthropic", Kind: ErrAuth, Message: "bad key"}))
	assert.Equal(t, ErrContextOverflow,
		Classify(fmt.Errorf("request: %w", &ProviderError{Provider: "openai", Kind: ErrContextOverflow})))
}
