package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_WritesLabeledAndUnlabeledCounters(t *testing.T) {
	reg := NewRegistry()
	labeled := NewCounterVec(Opts{Name: "transitions_total", Help: "t"}, []string{"from", "to"})
	plainVec, plain := NewCounter(Opts{Name: "runs_total", Help: "r"})
	reg.MustRegister(labeled, plainVec)

	labeled.WithLabelValues("scheduled", "live").Inc()
	labeled.WithLabelValues("scheduled", "live").Inc()
	plain.Add(3)
	plain.Add(-1)

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	if !strings.Contains(body, `transitions_total{from="scheduled",to="live"} 2`) {
		t.Fatalf("missing labeled sample:\n%s", body)
	}
	if !strings.Contains(body, "runs_total 3\n") {
		t.Fatalf("missing unlabeled sample:\n%s", body)
	}
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(NewGauge(Opts{Name: "g", Help: "g"}))
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	reg.MustRegister(NewGauge(Opts{Name: "g", Help: "g"}))
}

func TestHistogramVec_WritesCumulativeBuckets(t *testing.T) {
	reg := NewRegistry()
	h := NewHistogramVec(Opts{Name: "job_seconds", Help: "j"}, []string{"job"}, []float64{1, 0.1})
	reg.MustRegister(h)

	h.Observe(0.0625, "reconcile-status")
	h.Observe(0.5, "reconcile-status")
	h.Observe(3, "reconcile-status")
	h.Observe(1, "notify-starting", "extra")

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()

	for _, want := range []string{
		"# TYPE job_seconds histogram\n",
		`job_seconds_bucket{job="reconcile-status",le="0.1"} 1` + "\n",
		`job_seconds_bucket{job="reconcile-status",le="1"} 2` + "\n",
		`job_seconds_bucket{job="reconcile-status",le="+Inf"} 3` + "\n",
		`job_seconds_sum{job="reconcile-status"} 3.5625` + "\n",
		`job_seconds_count{job="reconcile-status"} 3` + "\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
	if strings.Contains(body, "notify-starting") {
		t.Fatalf("observation with wrong label arity must be dropped:\n%s", body)
	}
}

func TestGaugeFunc_SamplesAtScrape(t *testing.T) {
	reg := NewRegistry()
	n := 0
	reg.MustRegister(NewGaugeFunc(Opts{Name: "sessions", Help: "s"}, func() float64 { return float64(n) }))

	n = 7
	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "sessions 7\n") {
		t.Fatalf("unexpected body:\n%s", rr.Body.String())
	}
}
