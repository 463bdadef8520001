package httputil

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CallSite identifies the method an advice lookup is made for.
type CallSite struct {
	ClassName      string
	MethodName     string
	ParameterTypes []string
}

// ParseCallSite reads a call site from the class_name, method_name and
// repeated parameter_type query parameters. On failure it writes a 400 with
// the reason and returns false.
func ParseCallSite(w http.ResponseWriter, r *http.Request) (CallSite, zerolog.Logger, bool) {
	q := r.URL.Query()
	cs := CallSite{
		ClassName:      strings.TrimSpace(q.Get("class_name")),
		MethodName:     strings.TrimSpace(q.Get("method_name")),
		ParameterTypes: []string{},
	}
	for _, key := range []string{"class_name", "method_name"} {
		if strings.TrimSpace(q.Get(key)) == "" {
			http.Error(w, fmt.Sprintf("expected %s query parameter", key), http.StatusBadRequest)
			return CallSite{}, zerolog.Nop(), false
		}
	}
	for i, p := range q["parameter_type"] {
		p = strings.TrimSpace(p)
		if p == "" {
			http.Error(w, fmt.Sprintf("parameter_type %d is blank", i), http.StatusBadRequest)
			return CallSite{}, zerolog.Nop(), false
		}
		cs.ParameterTypes = append(cs.ParameterTypes, p)
	}
	logger := log.With().
		Str("class_name", cs.ClassName).
		Str("method_name", cs.MethodName).
		Strs("parameter_types", cs.ParameterTypes).
		Logger()
	return cs, logger, true
}
