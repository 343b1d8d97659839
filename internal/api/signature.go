package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/netzer/settleops/internal/domain"
	"github.com/netzer/settleops/internal/gateway"
)

// Every webhook body is verified against its source's signing scheme before
// any payload reaches the state machine. Stitch and Bybit sign the raw body
// with HMAC-SHA256; VALR signs timestamp + method + path + body with
// HMAC-SHA512, the same scheme used for outbound VALR requests.

const (
	HeaderStitchSignature = "X-Stitch-Signature"
	HeaderBybitSignature  = "X-Bybit-Signature"
	HeaderVALRSignature   = "X-VALR-SIGNATURE"
	HeaderVALRTimestamp   = "X-VALR-TIMESTAMP"
)

var errBadSignature = errors.New("signature verification failed")

// Secrets holds the per-source webhook signing keys.
type Secrets struct {
	Stitch string
	VALR   string
	Bybit  string
}

// SignBody computes the hex HMAC-SHA256 signature Stitch and Bybit send.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) readVerified(r *http.Request, source domain.Source) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	var want, got string
	switch source {
	case domain.SourceStitch:
		want = SignBody(h.secrets.Stitch, body)
		got = r.Header.Get(HeaderStitchSignature)
	case domain.SourceBybit:
		want = SignBody(h.secrets.Bybit, body)
		got = r.Header.Get(HeaderBybitSignature)
	case domain.SourceVALRDeposit, domain.SourceVALRWithdrawal:
		ts := r.Header.Get(HeaderVALRTimestamp)
		if ts == "" {
			return nil, errBadSignature
		}
		want = gateway.Sign(h.secrets.VALR, ts, r.Method, r.URL.Path, string(body))
		got = r.Header.Get(HeaderVALRSignature)
	default:
		return nil, errBadSignature
	}

	if got == "" || !hmac.Equal([]byte(got), []byte(want)) {
		return nil, errBadSignature
	}
	return body, nil
}
