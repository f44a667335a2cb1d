package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"patchpilot/pkg/proto"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeEvents copies events to the response as server-sent events named by
// their kind, flushing after each one. It returns once events is closed.
func writeEvents(c echo.Context, events <-chan proto.Event) error {
	res := c.Response()
	setSSEHeaders(res)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
		}
		if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			// client went away; the engine stops sending once its context ends
			for range events {
			}
			return nil
		}
		res.Flush()
	}
	return nil
}
