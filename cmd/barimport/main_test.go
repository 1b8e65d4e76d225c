package main

import (
	"testing"
	"time"

	"emarsi-trader/internal/model"
)

func TestAfter(t *testing.T) {
	t0 := time.Unix(0, 0).UTC()
	bars := []model.Bar{{TS: t0}, {TS: t0.Add(time.Hour)}, {TS: t0.Add(2 * time.Hour)}}

	if got := after(bars, time.Time{}); len(got) != 3 {
		t.Errorf("zero cutoff kept %d bars, want 3", len(got))
	}
	if got := after(bars, t0.Add(time.Hour)); len(got) != 1 || !got[0].TS.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("cutoff at second bar = %+v", got)
	}
	if got := after(bars, t0.Add(3*time.Hour)); len(got) != 0 {
		t.Errorf("cutoff past end kept %d bars", len(got))
	}
}
