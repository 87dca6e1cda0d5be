// Package marketplace is a client for the Kwork mobile API.
//
// Only the calls the notifier needs are implemented: sign-in, the project
// feed filtered by category, and logout.
package marketplace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Listing is a single project posting. The feed returns listings newest
// first; the core never mutates them.
type Listing struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       Price  `json:"price"`
	Offers      int    `json:"offers"`
}

// Price is kept as text because the API sends it either as a number or as a
// numeric string ("1500", "1500.00").
type Price string

func (p *Price) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Price(normalizePrice(s))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	*p = Price(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func (p Price) String() string { return string(p) }

// normalizePrice drops a zero fractional part ("1500.00" -> "1500").
func normalizePrice(s string) string {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return s
}

// APIError is a structured failure reported by the API envelope.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kwork api: %s (code=%d http=%d)", e.Message, e.Code, e.HTTPStatus)
	}
	return fmt.Sprintf("kwork api: code=%d http=%d", e.Code, e.HTTPStatus)
}

// envelope is the common response wrapper of the mobile API.
type envelope struct {
	Success   bool            `json:"success"`
	Response  json.RawMessage `json:"response"`
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
}
