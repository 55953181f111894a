package scheduler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-queue/internal/types"
)

func newControlRouter(s *Scheduler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewGinHandlers(s)
	r.GET("/scheduler/status", h.StatusHandler())
	r.PUT("/scheduler/schedule", h.UpdateScheduleHandler())
	r.POST("/scheduler/start", h.StartHandler())
	r.POST("/scheduler/stop", h.StopHandler())
	r.POST("/scheduler/sweep", h.SweepHandler())
	return r
}

func TestControlSurface(t *testing.T) {
	s := New(newTestCalendar(t), &fakeStore{}, &fakeSettler{}, nil, WithClock(fixedClock(monday(8, 0))))
	defer s.Stop()
	r := newControlRouter(s)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"status", http.MethodGet, "/scheduler/status", "", http.StatusOK},
		{"start", http.MethodPost, "/scheduler/start", "", http.StatusCreated},
		{"start again", http.MethodPost, "/scheduler/start", "", http.StatusCreated},
		{"move open", http.MethodPut, "/scheduler/schedule", `{"boundary":"open","time":"10:00"}`, http.StatusOK},
		{"malformed time", http.MethodPut, "/scheduler/schedule", `{"boundary":"open","time":"10h"}`, http.StatusBadRequest},
		{"close before open", http.MethodPut, "/scheduler/schedule", `{"boundary":"close","time":"09:00"}`, http.StatusBadRequest},
		{"sweep while closed", http.MethodPost, "/scheduler/sweep", "", http.StatusConflict},
		{"stop", http.MethodPost, "/scheduler/stop", "", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/scheduler/status", nil))

	var body struct {
		Data types.SchedulerStatus `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if body.Data.Running {
		t.Error("expected scheduler to be stopped")
	}
	if body.Data.OpenTime != "10:00" {
		t.Errorf("open time = %q, want 10:00", body.Data.OpenTime)
	}
	if !body.Data.NextOpen.Equal(monday(10, 0)) {
		t.Errorf("next open = %v, want %v", body.Data.NextOpen, monday(10, 0))
	}
}
