package ranksync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const testProfilesJson = `[
	{"id": 1, "username": "cristiano", "profile_name": "Cristiano Ronaldo", "followers_count": 615000000, "following_count": 580, "posts_count": 3600, "engagement_rate": 1.2, "bio": null, "profile_pic_url": null, "is_verified": 1, "is_private": 0, "last_updated": "2024-05-01T10:00:00", "created_at": "2024-04-01T10:00:00"},
	{"id": 2, "username": "leomessi", "profile_name": "Leo Messi", "followers_count": 500000000, "following_count": 300, "posts_count": 1200, "engagement_rate": 2.5, "bio": "", "profile_pic_url": null, "is_verified": 1, "is_private": 0, "last_updated": "2024-05-01T09:00:00", "created_at": "2024-04-01T10:00:00"}
]`

func testApiSettings() *ProfileApiSettings {
	settings := DefaultProfileApiSettings()
	settings.RetryMax = 2
	settings.RetryWaitMin = time.Millisecond
	settings.RetryWaitMax = 10 * time.Millisecond
	return settings
}

func TestProfileApiListProfiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "GET")
		assert.Equal(t, r.URL.Path, "/api/profiles/")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, testProfilesJson)
	}))
	defer server.Close()

	api := NewProfileApi(context.Background(), server.URL+"/", testApiSettings())
	defer api.Close()

	callback, c := NewBlockingApiCallback[[]*ApiProfile]()
	api.ListProfiles(callback)

	var result ApiCallbackResult[[]*ApiProfile]
	select {
	case result = <-c:
	case <-time.After(testTimeout):
		t.Fatal("no result")
	}
	assert.Equal(t, result.Error, nil)
	assert.Equal(t, len(result.Result), 2)
	assert.Equal(t, result.Result[0].Username, "cristiano")
	assert.Equal(t, *result.Result[0].ProfileName, "Cristiano Ronaldo")
	assert.Equal(t, bool(*result.Result[0].IsVerified), true)
	assert.Equal(t, result.Result[0].Bio, nil)

	// feeds the reconciler like live updates
	reconciler, _ := testReconciler()
	assert.Equal(t, SeedReconciler(reconciler, result.Result), 2)
	assert.Equal(t, SeedReconciler(reconciler, result.Result), 0)

	profile, ok := reconciler.Profile("cristiano")
	assert.Equal(t, ok, true)
	assert.Equal(t, profile.DisplayName, "Cristiano Ronaldo")
	assert.Equal(t, profile.Followers, int64(615000000))
	assert.Equal(t, profile.Following, int64(580))
	assert.Equal(t, profile.Posts, int64(3600))
	assert.Equal(t, profile.EngagementRate, 1.2)
	assert.Equal(t, profile.Verified, true)
	assert.Equal(t, profile.Private, false)
	assert.Equal(t, profile.LastUpdated.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)), true)

	ranking := reconciler.Rankings()
	assert.Equal(t, ranking.Profiles()[0].Username, "cristiano")
	assert.Equal(t, ranking.Profiles()[1].Username, "leomessi")
}

func TestProfileApiRankedAndGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/profiles/ranked":
			assert.Equal(t, r.URL.Query().Get("by"), "engagement_rate")
			assert.Equal(t, r.URL.Query().Get("order"), "asc")
			io.WriteString(w, `[{"rank": 1, "username": "leomessi", "followers_count": 500000000, "engagement_rate": 2.5, "is_verified": 1}]`)
		case "/api/profiles/leomessi":
			io.WriteString(w, `{"id": 2, "username": "leomessi", "followers_count": 500000000}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"detail": "Profile not found"}`)
		}
	}))
	defer server.Close()

	api := NewProfileApi(context.Background(), server.URL, testApiSettings())
	defer api.Close()

	ranked, err := api.RankedProfilesSync(MetricEngagementRate, Ascending, NewNoopApiCallback[[]*ApiProfileRanking]())
	assert.Equal(t, err, nil)
	assert.Equal(t, len(ranked), 1)
	assert.Equal(t, ranked[0].Rank, 1)
	assert.Equal(t, ranked[0].Username, "leomessi")
	assert.Equal(t, *ranked[0].EngagementRate, 2.5)

	profile, err := api.GetProfileSync("leomessi", NewNoopApiCallback[*ApiProfile]())
	assert.Equal(t, err, nil)
	assert.Equal(t, profile.Username, "leomessi")

	// 4xx is not retried and the detail is the error
	_, err = api.GetProfileSync("nobody", NewNoopApiCallback[*ApiProfile]())
	var apiErr *ApiError
	assert.Equal(t, errors.As(err, &apiErr), true)
	assert.Equal(t, apiErr.StatusCode, http.StatusNotFound)
	assert.Equal(t, apiErr.Message, "Profile not found")
	assert.Equal(t, err.Error(), "404 Profile not found")
}

func TestApiErrorMessage(t *testing.T) {
	assert.Equal(t, newApiError(400, []byte(`{"detail": "Username cannot be empty"}`)).Message, "Username cannot be empty")
	assert.Equal(t, newApiError(422, []byte(`{"detail": [{"loc": ["body", "username"], "msg": "field required"}]}`)).Message, `[{"loc":["body","username"],"msg":"field required"}]`)
	assert.Equal(t, newApiError(502, []byte("gateway down\n")).Message, "gateway down")
	assert.Equal(t, newApiError(500, nil).Message, "Internal Server Error")
}

func TestProfileApiCreateRetries(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.Method, "POST")
		assert.Equal(t, r.URL.Path, "/api/scraper/profile")

		var args CreateProfileArgs
		err := json.NewDecoder(r.Body).Decode(&args)
		assert.Equal(t, err, nil)
		assert.Equal(t, args.Username, "ishowspeed")

		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"success": true, "action": "created", "message": "Profile created successfully", "profile": {"username": "ishowspeed", "followers_count": 30000000}}`)
	}))
	defer server.Close()

	api := NewProfileApi(context.Background(), server.URL, testApiSettings())
	defer api.Close()

	result, err := api.CreateProfileSync(&CreateProfileArgs{Username: "ishowspeed"}, NewNoopApiCallback[*CreateProfileResult]())
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Action, CreateProfileActionCreated)
	assert.Equal(t, result.Profile.Username, "ishowspeed")
	assert.Equal(t, calls.Load(), int64(2))
}
