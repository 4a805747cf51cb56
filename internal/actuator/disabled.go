package actuator

import (
	"context"
	"net/http"

	"github.com/banshee-data/sortbin/internal/material"
)

// Disabled stands in for the controller when the bin runs without servo
// hardware (-disable-actuator). Every deposit fails with ErrNotConnected so
// the pipeline keeps classifying but never credits an unrouted item.
type Disabled struct{}

func (Disabled) ExecuteDeposit(context.Context, material.Category) error {
	return &Error{Kind: ErrNotConnected, Command: "deposit", Reply: "actuator disabled"}
}

func (Disabled) Status() Status {
	return Status{Device: "disabled"}
}

func (Disabled) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/actuator-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("actuator disabled"))
	})
}
