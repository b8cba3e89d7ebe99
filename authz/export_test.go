package authz

import "github.com/prometheus/client_golang/prometheus"

func (o *Orchestrator) AttemptsMetric() *prometheus.CounterVec { return o.attempts }

func (o *Orchestrator) PublishRetriesMetric() prometheus.Counter { return o.publishRetries }
