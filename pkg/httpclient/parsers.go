// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

func headerInt(headers http.Header, key string) int {
	n, _ := strconv.Atoi(headers.Get(key))
	return n
}

func retryAfterSeconds(headers http.Header) time.Duration {
	if v := headers.Get("retry-after"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// ParseAnthropicHeaders reads Anthropic's anthropic-ratelimit-* headers.
// Reset timestamps are RFC3339; the earliest populated one wins.
func ParseAnthropicHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:            retryAfterSeconds(headers),
		RequestsRemaining:     headerInt(headers, "anthropic-ratelimit-requests-remaining"),
		InputTokensRemaining:  headerInt(headers, "anthropic-ratelimit-input-tokens-remaining"),
		OutputTokensRemaining: headerInt(headers, "anthropic-ratelimit-output-tokens-remaining"),
	}
	for _, key := range []string{
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
		"anthropic-ratelimit-requests-reset",
	} {
		if v := headers.Get(key); v != "" {
			if reset, err := time.Parse(time.RFC3339, v); err == nil {
				info.ResetTime = reset.Unix()
				break
			}
		}
	}
	return info
}

// ParseOpenAIHeaders reads OpenAI's x-ratelimit-* headers. Reset values
// are unix timestamps.
func ParseOpenAIHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{
		RetryAfter:        retryAfterSeconds(headers),
		RequestsRemaining: headerInt(headers, "x-ratelimit-remaining-requests"),
		TokensRemaining:   headerInt(headers, "x-ratelimit-remaining-tokens"),
	}
	for _, key := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if v := headers.Get(key); v != "" {
			if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
				info.ResetTime = reset
				break
			}
		}
	}
	return info
}
