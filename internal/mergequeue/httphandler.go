package mergequeue

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/walle/internal/stringutils"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{ResponseWriter: resp, logger: logger}
}

// WriteStr writes str to the response, logging and returning false on
// failure.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	if _, err := rw.ResponseWriter.Write([]byte(str)); err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HandlerList writes a plain-text listing of every tracked target
// branch and its queue.
func (h *HTTPService) HandlerList(respWr http.ResponseWriter, _ *http.Request) {
	resp := newHTTPRespWriter(h.logger, respWr)
	resp.Header().Add("Content-Type", "text/plain")

	branches := h.dispatcher.httpListData()

	if len(branches) == 0 {
		resp.WriteStr("no target branches are currently tracked\n")
		return
	}

	var result strings.Builder

	for _, b := range branches {
		fmt.Fprintf(&result, "%s@%s\tstatus: %s\thealthy: %t\n", b.Repository, b.Branch, b.Status, b.Healthy)

		if b.Integrating != nil {
			fmt.Fprintf(&result, "\tintegrating: #%d %s\n", b.Integrating.Number, stringutils.IndentString(b.Integrating.Title, "\t\t"))
		}

		for _, e := range b.Queue {
			tier := tierNormal
			if e.TopPriority {
				tier = tierTopPriority
			}

			fmt.Fprintf(&result, "\t#%-4d PR: %-4d %s (%s) tier: %s\n", e.Position, e.Number, stringutils.IndentString(e.Title, "\t\t"), e.Author, tier)
		}
	}

	resp.WriteStr(result.String())
}
