package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nugget/calexplorer/internal/config"
)

// maxBodyBytes bounds request bodies. Chat requests carry the whole
// conversation so the limit is generous.
const maxBodyBytes = 4 << 20

// decodeBody reads a bounded JSON body into v. The raw body is logged at
// trace level.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if s.logger.Enabled(context.Background(), config.LevelTrace) {
		s.logger.Log(r.Context(), config.LevelTrace, "request body", "path", r.URL.Path, "body", string(body))
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
