package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_sessions_created_total",
		Help: "Sessions registered successfully.",
	})

	sessionCreateFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btdrop_session_create_failures_total",
		Help: "Rejected or failed session creations by reason.",
	}, []string{"reason"})

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_uploaded_bytes_total",
		Help: "Bytes written to content storage by successful uploads.",
	})

	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btdrop_downloads_total",
		Help: "File downloads started.",
	})
)
