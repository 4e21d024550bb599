package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsNormalize(t *testing.T) {
	opts := Options{}
	opts.normalize()

	assert.Equal(t, 30*time.Second, opts.NavigationTimeout)
	assert.Equal(t, defaultSubmitNames, opts.SubmitNames)
	assert.Equal(t, defaultCheckinNames, opts.CheckinNames)
	assert.Equal(t, defaultSpinners, opts.SpinnerSelectors)
	assert.Equal(t, 1366, opts.ViewportWidth)

	opts = Options{SubmitNames: []string{"Log Masuk"}, NavigationTimeout: 5 * time.Second}
	opts.normalize()
	assert.Equal(t, []string{"Log Masuk"}, opts.SubmitNames)
	assert.Equal(t, 5*time.Second, opts.NavigationTimeout)
}

func TestLabelPattern(t *testing.T) {
	re := regexp.MustCompile(labelPattern(" Sign In "))
	assert.True(t, re.MatchString("Sign In"))
	assert.True(t, re.MatchString("SIGN IN NOW"))
	assert.False(t, re.MatchString("Sign Out"))

	// meta characters in configured names must not break matching
	re = regexp.MustCompile(labelPattern("Check-In (EN101)"))
	assert.True(t, re.MatchString("check-in (en101)"))
}

func TestFetchGeoIPAPIShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"latitude": 3.0738, "longitude": 101.5183}`))
	}))
	defer srv.Close()

	lat, lon, err := fetchGeo(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.InDelta(t, 3.0738, lat, 1e-9)
	assert.InDelta(t, 101.5183, lon, 1e-9)
}

func TestFetchGeoIPAPIComShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"success","lat":3.0738,"lon":101.5183}`))
	}))
	defer srv.Close()

	lat, lon, err := fetchGeo(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.InDelta(t, 3.0738, lat, 1e-9)
	assert.InDelta(t, 101.5183, lon, 1e-9)
}

func TestFetchGeoErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, _, err := fetchGeo(context.Background(), srv.URL)
	require.Error(t, err)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":"reserved range"}`))
	}))
	defer srv2.Close()
	_, _, err = fetchGeo(context.Background(), srv2.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no coordinates")
}

func fakeLaunch(t *testing.T, modes *[]bool, closed *int, mu *sync.Mutex) func(context.Context, bool) (*rod.Browser, func() error, error) {
	t.Helper()
	return func(_ context.Context, headless bool) (*rod.Browser, func() error, error) {
		mu.Lock()
		*modes = append(*modes, headless)
		mu.Unlock()
		return &rod.Browser{}, func() error {
			mu.Lock()
			*closed++
			mu.Unlock()
			return nil
		}, nil
	}
}

func TestDriverRelaunchesOnHeadlessSwitch(t *testing.T) {
	d := New(Options{Headless: true})
	var (
		mu     sync.Mutex
		modes  []bool
		closed int
	)
	d.launch = fakeLaunch(t, &modes, &closed, &mu)

	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	// same mode reuses the live process
	b1, err := d.acquire(ctx, true)
	require.NoError(t, err)
	d.release()

	// opposite mode closes and relaunches
	b2, err := d.acquire(ctx, false)
	require.NoError(t, err)
	d.release()
	assert.NotSame(t, b1, b2)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, modes)
	assert.Equal(t, 1, closed)
	mu.Unlock()

	require.NoError(t, d.Stop())
	mu.Lock()
	assert.Equal(t, 2, closed)
	mu.Unlock()
}

func TestDriverModeSwitchWaitsForActiveSessions(t *testing.T) {
	d := New(Options{})
	var (
		mu     sync.Mutex
		modes  []bool
		closed int
	)
	d.launch = fakeLaunch(t, &modes, &closed, &mu)

	ctx := context.Background()
	_, err := d.acquire(ctx, false)
	require.NoError(t, err)

	switched := make(chan error, 1)
	go func() {
		_, err := d.acquire(ctx, true)
		if err == nil {
			d.release()
		}
		switched <- err
	}()

	select {
	case <-switched:
		t.Fatal("mode switch must wait for the active session to release")
	case <-time.After(100 * time.Millisecond):
	}

	d.release()
	select {
	case err := <-switched:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mode switch did not proceed after release")
	}

	mu.Lock()
	assert.Equal(t, []bool{false, true}, modes)
	assert.Equal(t, 1, closed)
	mu.Unlock()
}
