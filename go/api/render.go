package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Error("failed to encode response")
	}
}

// writeError renders an error with its taxonomy code and status. Throttled
// requests additionally carry a Retry-After hint.
func writeError(w http.ResponseWriter, err error) {
	var code = errs.Code(err)
	if code == errs.CodeRateLimitExceeded {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfterHint/time.Second)))
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, errs.Status(err), body)
}

// retryAfterHint is the advisory wait surfaced on 429 responses.
const retryAfterHint = 10 * time.Second

func decodeBody(r *http.Request, v interface{}) error {
	var dec = json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(err, errs.CodeValidation, "decoding request body")
	}
	return nil
}
