package dispatcher

import "testing"

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		statusCode int
		want       classification
	}{
		{200, classSuccess},
		{201, classSuccess},
		{299, classSuccess},
		{429, classRetryable},
		{500, classRetryable},
		{503, classRetryable},
		{400, classTerminal},
		{404, classTerminal},
		{401, classTerminal},
	}

	for _, c := range cases {
		if got := classifyStatus(c.statusCode); got != c.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", c.statusCode, got, c.want)
		}
	}
}

func TestClassifyNetworkErrorIsRetryable(t *testing.T) {
	if classifyNetworkError() != classRetryable {
		t.Error("network errors must always be classified retryable")
	}
}
