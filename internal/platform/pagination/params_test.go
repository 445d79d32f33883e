package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty token")
	}
}

func TestParsePageSizeClampsToMax(t *testing.T) {
	params, err := Parse(url.Values{"page_size": {"500"}}, Options{MaxPageSize: 50})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if params.PageSize != 50 {
		t.Fatalf("expected clamp to 50, got %d", params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"0", "-3", "ten"} {
		if _, err := Parse(url.Values{"page_size": {raw}}, Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("expected ErrInvalidPageSize for %q, got %v", raw, err)
		}
	}
}

func TestTokenRoundTripThroughRequest(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("MSK", 3*60*60))
	token, err := EncodeToken(Cursor{CreatedAt: createdAt, ID: "01HZX"})
	if err != nil {
		t.Fatalf("EncodeToken: %v", err)
	}
	req := httptest.NewRequest("GET", "/orders?pageToken="+token+"&pageSize=5", nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if params.PageSize != 5 || params.PageToken != token {
		t.Fatalf("unexpected params %#v", params)
	}
	if params.Cursor.ID != "01HZX" || !params.Cursor.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected cursor %#v", params.Cursor)
	}
}

func TestDecodeTokenInvalid(t *testing.T) {
	if _, err := DecodeToken("%%%"); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestDecodeTokenRejectsIncompleteCursor(t *testing.T) {
	token := base64.RawURLEncoding.EncodeToString([]byte(`{"id":"01HZX"}`))
	if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil || token != "" {
		t.Fatalf("expected empty token, got %q %v", token, err)
	}
}
