package credit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var creditsDebited = promauto.NewCounter(prometheus.CounterOpts{
	Name: "credit_debited_total",
	Help: "The total credits debited across all accounts",
})
