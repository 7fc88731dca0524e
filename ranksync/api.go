package ranksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/golang/glog"
)

// client for the profile crud api
// results feed the reconciler as upserts, the same as live updates

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type glogRetryableLogger struct{}

func (self glogRetryableLogger) Error(msg string, keysAndValues ...any) {
	glog.Infof("[api]%s %v\n", msg, keysAndValues)
}

func (self glogRetryableLogger) Warn(msg string, keysAndValues ...any) {
	glog.Infof("[api]%s %v\n", msg, keysAndValues)
}

func (self glogRetryableLogger) Info(msg string, keysAndValues ...any) {
	glog.V(1).Infof("[api]%s %v\n", msg, keysAndValues)
}

func (self glogRetryableLogger) Debug(msg string, keysAndValues ...any) {
	glog.V(2).Infof("[api]%s %v\n", msg, keysAndValues)
}

type ProfileApiSettings struct {
	HttpTimeout  time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

func DefaultProfileApiSettings() *ProfileApiSettings {
	return &ProfileApiSettings{
		HttpTimeout:  10 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

type ProfileApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	client *retryablehttp.Client
}

func NewProfileApiWithDefaults(ctx context.Context, apiUrl string) *ProfileApi {
	return NewProfileApi(ctx, apiUrl, DefaultProfileApiSettings())
}

func NewProfileApi(ctx context.Context, apiUrl string, settings *ProfileApiSettings) *ProfileApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = settings.HttpTimeout
	client.RetryMax = settings.RetryMax
	client.RetryWaitMin = settings.RetryWaitMin
	client.RetryWaitMax = settings.RetryWaitMax
	client.Logger = glogRetryableLogger{}

	return &ProfileApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimSuffix(apiUrl, "/"),
		client: client,
	}
}

func (self *ProfileApi) Close() {
	self.cancel()
}

// `schemas.Profile`
type ApiProfile struct {
	Id             int      `json:"id"`
	Username       string   `json:"username"`
	ProfileName    *string  `json:"profile_name"`
	FollowersCount *float64 `json:"followers_count"`
	FollowingCount *float64 `json:"following_count"`
	PostsCount     *float64 `json:"posts_count"`
	EngagementRate *float64 `json:"engagement_rate"`
	Bio            *string  `json:"bio"`
	ProfilePicUrl  *string  `json:"profile_pic_url"`
	IsVerified     *Flag    `json:"is_verified"`
	IsPrivate      *Flag    `json:"is_private"`
	LastUpdated    *string  `json:"last_updated"`
}

func (self *ApiProfile) Snapshot() ProfileSnapshot {
	return ProfileSnapshot{
		DisplayName:    self.ProfileName,
		Bio:            self.Bio,
		ProfilePicUrl:  self.ProfilePicUrl,
		Followers:      self.FollowersCount,
		Following:      self.FollowingCount,
		Posts:          self.PostsCount,
		EngagementRate: self.EngagementRate,
		Verified:       self.IsVerified,
		Private:        self.IsPrivate,
		FetchedAt:      self.LastUpdated,
	}
}

// `schemas.ProfileRanking`
type ApiProfileRanking struct {
	Rank int `json:"rank"`
	ApiProfile
}

// upserts every profile. returns the number of profiles that changed the table.
func SeedReconciler(reconciler *Reconciler, profiles []*ApiProfile) int {
	changedCount := 0
	for _, profile := range profiles {
		if profile == nil || profile.Username == "" {
			continue
		}
		if reconciler.ApplyUpdate(profile.Username, profile.Snapshot()) {
			changedCount += 1
		}
	}
	return changedCount
}

type ListProfilesCallback apiCallback[[]*ApiProfile]

func (self *ProfileApi) ListProfiles(callback ListProfilesCallback) {
	go HandleError(func() {
		self.ListProfilesSync(callback)
	})
}

func (self *ProfileApi) ListProfilesSync(callback ListProfilesCallback) ([]*ApiProfile, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/api/profiles/", self.apiUrl),
		[]*ApiProfile{},
		callback,
	)
}

type GetProfileCallback apiCallback[*ApiProfile]

func (self *ProfileApi) GetProfile(username string, callback GetProfileCallback) {
	go HandleError(func() {
		self.GetProfileSync(username, callback)
	})
}

func (self *ProfileApi) GetProfileSync(username string, callback GetProfileCallback) (*ApiProfile, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/api/profiles/%s", self.apiUrl, url.PathEscape(username)),
		&ApiProfile{},
		callback,
	)
}

type RankedProfilesCallback apiCallback[[]*ApiProfileRanking]

func (self *ProfileApi) RankedProfiles(metric Metric, direction SortDirection, callback RankedProfilesCallback) {
	go HandleError(func() {
		self.RankedProfilesSync(metric, direction, callback)
	})
}

func (self *ProfileApi) RankedProfilesSync(metric Metric, direction SortDirection, callback RankedProfilesCallback) ([]*ApiProfileRanking, error) {
	query := url.Values{}
	query.Set("by", apiMetricName(metric))
	query.Set("order", direction.String())
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/api/profiles/ranked?%s", self.apiUrl, query.Encode()),
		[]*ApiProfileRanking{},
		callback,
	)
}

type CreateProfileCallback apiCallback[*CreateProfileResult]

type CreateProfileArgs struct {
	Username string `json:"username"`
}

type CreateProfileAction string

const (
	CreateProfileActionCreated CreateProfileAction = "created"
	CreateProfileActionUpdated CreateProfileAction = "updated"
)

type CreateProfileResult struct {
	Success bool                `json:"success"`
	Action  CreateProfileAction `json:"action,omitempty"`
	Message string              `json:"message,omitempty"`
	Profile *ApiProfile         `json:"profile,omitempty"`
}

// asks the scraper to track a new profile
func (self *ProfileApi) CreateProfile(createProfile *CreateProfileArgs, callback CreateProfileCallback) {
	go HandleError(func() {
		self.CreateProfileSync(createProfile, callback)
	})
}

func (self *ProfileApi) CreateProfileSync(createProfile *CreateProfileArgs, callback CreateProfileCallback) (*CreateProfileResult, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/api/scraper/profile", self.apiUrl),
		createProfile,
		&CreateProfileResult{},
		callback,
	)
}

// a non-2xx response
type ApiError struct {
	StatusCode int
	Message    string
}

// the message is the `detail` of an error body, else the body
func newApiError(statusCode int, responseBodyBytes []byte) *ApiError {
	var errorBody struct {
		Detail any `json:"detail"`
	}
	message := ""
	if err := json.Unmarshal(responseBodyBytes, &errorBody); err == nil {
		switch v := errorBody.Detail.(type) {
		case string:
			message = v
		case nil:
		default:
			// validation errors carry a list of details
			if detailBytes, err := json.Marshal(v); err == nil {
				message = string(detailBytes)
			}
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(responseBodyBytes))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &ApiError{
		StatusCode: statusCode,
		Message:    message,
	}
}

func (self *ApiError) Error() string {
	return fmt.Sprintf("%d %s", self.StatusCode, self.Message)
}

func apiMetricName(metric Metric) string {
	switch metric {
	case MetricFollowing:
		return "following_count"
	case MetricPosts:
		return "posts_count"
	case MetricEngagementRate:
		return "engagement_rate"
	default:
		return "followers_count"
	}
}

func post[R any](ctx context.Context, client *retryablehttp.Client, url string, args any, result R, callback apiCallback[R]) (R, error) {
	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Set("Content-Type", "application/json")

	return do(client, req, result, callback)
}

func get[R any](ctx context.Context, client *retryablehttp.Client, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	return do(client, req, result, callback)
}

func do[R any](client *retryablehttp.Client, req *retryablehttp.Request, result R, callback apiCallback[R]) (R, error) {
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		err = newApiError(r.StatusCode, responseBodyBytes)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
