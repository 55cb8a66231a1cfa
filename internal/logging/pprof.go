package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

// PprofAddr is where the profiling listener binds when enabled.
const PprofAddr = "localhost:6060"

// startPprof starts a pprof HTTP server. Only called when PprofEnabled is set.
func startPprof() {
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", PprofAddr))
		if err := http.ListenAndServe(PprofAddr, nil); err != nil {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
