package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/orbit"
)

func TestFitMetrics(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		m := NewManager(prometheus.NewRegistry())

		Convey("When a fit succeeds", func() {
			m.ObserveFit("live", &orbit.FitResult{ChiSquare: 2.5, NDF: 4}, 10*time.Millisecond, nil)

			Convey("Then the ok counter and the fit gauges are set", func() {
				So(testutil.ToFloat64(m.fits.WithLabelValues("ok")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.fitChiSquare.WithLabelValues("live")), ShouldEqual, 2.5)
				So(testutil.ToFloat64(m.fitNDF.WithLabelValues("live")), ShouldEqual, 4)
			})
		})

		Convey("When a fit fails", func() {
			m.ObserveFit("live", nil, time.Millisecond, errors.New("model down"))

			Convey("Then only the error counter moves", func() {
				So(testutil.ToFloat64(m.fits.WithLabelValues("error")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.fits.WithLabelValues("ok")), ShouldEqual, 0)
			})
		})
	})
}

func TestConnectMetrics(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		m := NewManager(prometheus.NewRegistry())

		Convey("When connect events arrive", func() {
			m.ObserveConnect(connect.Event{Collection: "bpms", Kind: connect.StateChanged, State: connect.Ready})
			m.ObserveConnect(connect.Event{Collection: "bpms", Kind: connect.DevicesDropped, Dropped: []string{"A", "B"}})
			m.ObserveConnect(connect.Event{Collection: "bpms", Kind: connect.Progress, Step: 3, Total: 9})
			m.SetDevices("bpms", 7)

			Convey("Then state, drops and device count are recorded", func() {
				So(testutil.ToFloat64(m.connectState.WithLabelValues("bpms")), ShouldEqual, float64(connect.Ready))
				So(testutil.ToFloat64(m.droppedTotal.WithLabelValues("bpms")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.connectedDevs.WithLabelValues("bpms")), ShouldEqual, 7)
			})
		})
	})
}

func TestMagnetAndSnapshotMetrics(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		m := NewManager(prometheus.NewRegistry())
		m.MagnetAdjusted("increase")
		m.MagnetAdjusted("increase")
		m.MagnetAdjusted("restore")
		m.SnapshotSaved()

		Convey("Then each operation is counted", func() {
			So(testutil.ToFloat64(m.adjustments.WithLabelValues("increase")), ShouldEqual, 2)
			So(testutil.ToFloat64(m.adjustments.WithLabelValues("restore")), ShouldEqual, 1)
			So(testutil.ToFloat64(m.snapshots), ShouldEqual, 1)
		})

		Convey("Then the handler exposes them", func() {
			rec := httptest.NewRecorder()
			m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.Contains(rec.Body.String(), "steering_snapshots_saved_total 1"), ShouldBeTrue)
		})
	})
}

func TestNilManager(t *testing.T) {
	Convey("Given a nil manager", t, func() {
		var m *Manager

		Convey("Then recording is a no-op", func() {
			So(func() {
				m.ObserveFit("x", nil, 0, nil)
				m.ObserveConnect(connect.Event{})
				m.SetDevices("x", 1)
				m.MagnetAdjusted("increase")
				m.SnapshotSaved()
			}, ShouldNotPanic)
			So(m.Handler(), ShouldNotBeNil)
		})
	})
}
