package loyalty

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// PayloadKind tags the variant held by a Payload
type PayloadKind int

const (
	PayloadServices PayloadKind = iota
	PayloadPackages
	PayloadMalformed
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadServices:
		return "services"
	case PayloadPackages:
		return "packages"
	default:
		return "malformed"
	}
}

// Payload is the typed view of a reservation's services/packages columns.
// Exactly one of Services, Packages or (Raw, Cause) is meaningful, as
// selected by Kind.
type Payload struct {
	Kind     PayloadKind
	Services []string
	Packages map[string]int
	Raw      string
	Cause    error
}

// ParsePayload decodes the raw payload columns of a reservation.
//
// A packages map with at least one key wins. Otherwise the services list is
// used, which means an empty-but-present packages map counts as individual.
// Values may be JSON or JSON-encoded JSON strings.
func ParsePayload(r *model.Reservation) Payload {
	var packages map[string]int
	if r.Packages.Valid && !isBlank(r.Packages.String) {
		if err := decodeLenient(r.Packages.String, &packages); err != nil {
			return malformed(r.Packages.String, fmt.Errorf("%w: packages: %v", ErrMalformedReservation, err))
		}
	}
	if len(packages) > 0 {
		return Payload{Kind: PayloadPackages, Packages: packages}
	}

	if !r.Services.Valid || isBlank(r.Services.String) {
		return malformed("", fmt.Errorf("%w: neither services nor packages populated", ErrMalformedReservation))
	}
	var services []string
	if err := decodeLenient(r.Services.String, &services); err != nil {
		return malformed(r.Services.String, fmt.Errorf("%w: services: %v", ErrMalformedReservation, err))
	}
	return Payload{Kind: PayloadServices, Services: services}
}

func malformed(raw string, cause error) Payload {
	return Payload{Kind: PayloadMalformed, Raw: raw, Cause: cause}
}

// decodeLenient accepts either the JSON value itself or a JSON string that
// contains it.
func decodeLenient(raw string, dest interface{}) error {
	data := []byte(strings.TrimSpace(raw))
	if bytes.HasPrefix(data, []byte(`"`)) {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(inner))
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, dest)
}

func isBlank(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "null"
}
