package papachu

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

// newAPITestBot returns a bot with the admin API configured (but not
// listening), and without login rate limiting
func newAPITestBot(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()
	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)

	bot, session := newTestBot(
		t, func(cfg *Config) {
			cfg.API.Enabled = true
			cfg.API.AdminUsername = testAdminUsername
			cfg.API.AdminPassword = hash
		},
	)
	require.NotNil(t, bot.api)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)
	return bot, session
}

// apiClient sends requests to the API's gin engine, carrying cookies
// from one response to the next request
type apiClient struct {
	t       testing.TB
	api     *API
	cookies map[string]*http.Cookie
}

func newAPIClient(t testing.TB, api *API) *apiClient {
	t.Helper()
	return &apiClient{t: t, api: api, cookies: map[string]*http.Cookie{}}
}

func (c *apiClient) do(method string, path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(c.t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	c.api.engine.ServeHTTP(rec, req)
	for _, cookie := range rec.Result().Cookies() {
		c.cookies[cookie.Name] = cookie
	}
	return rec
}

func (c *apiClient) login() {
	c.t.Helper()
	rec := c.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeJSON[T any](t testing.TB, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	bot, _ := newAPITestBot(t)
	client := newAPIClient(t, bot.api)

	rec := client.do(http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[healthCheckResponse](t, rec)
	assert.False(t, health.DiscordGatewayConnected)
	assert.Equal(t, Version, health.Version)
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))

	bot.discord.connected.Store(true)
	health = decodeJSON[healthCheckResponse](t, client.do(http.MethodGet, apiHealthCheck, nil))
	assert.True(t, health.DiscordGatewayConnected)
}

func TestAPI_Unauthenticated(t *testing.T) {
	bot, _ := newAPITestBot(t)
	client := newAPIClient(t, bot.api)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPrefix + apiPathLoggedIn},
		{http.MethodGet, apiPrefix + apiPathState},
		{http.MethodPut, apiPrefix + apiPathChannel},
		{http.MethodPost, apiPrefix + apiPathQuit},
		{http.MethodPost, apiPrefix + apiPathRegisterCommands},
	} {
		t.Run(
			tc.method+" "+tc.path, func(t *testing.T) {
				rec := client.do(tc.method, tc.path, nil)
				assert.Equal(t, http.StatusUnauthorized, rec.Code)
			},
		)
	}
}

func TestAPI_Login(t *testing.T) {
	bot, _ := newAPITestBot(t)

	t.Run(
		"wrong password", func(t *testing.T) {
			client := newAPIClient(t, bot.api)
			rec := client.do(
				http.MethodPost,
				apiPathLogin,
				userLogin{Username: testAdminUsername, Password: "hunter2"},
			)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			rec = client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)
	t.Run(
		"wrong username", func(t *testing.T) {
			client := newAPIClient(t, bot.api)
			rec := client.do(
				http.MethodPost,
				apiPathLogin,
				userLogin{Username: "root", Password: testAdminPassword},
			)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)
	t.Run(
		"missing fields", func(t *testing.T) {
			client := newAPIClient(t, bot.api)
			rec := client.do(http.MethodPost, apiPathLogin, map[string]string{"username": "admin"})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		},
	)
	t.Run(
		"login and logout", func(t *testing.T) {
			client := newAPIClient(t, bot.api)
			client.login()

			rec := client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, rec).Username)

			rec = client.do(http.MethodPost, apiPathLogout, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			rec = client.do(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		},
	)
}

func TestAPI_LoginRateLimited(t *testing.T) {
	bot, _ := newAPITestBot(t)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	client := newAPIClient(t, bot.api)

	client.login()
	rec := client.do(
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAPI_StateAndChannel(t *testing.T) {
	bot, session := newAPITestBot(t)
	client := newAPIClient(t, bot.api)
	client.login()

	rec := client.do(http.MethodGet, apiPrefix+apiPathState, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeJSON[BotStatus](t, rec)
	assert.False(t, status.ChannelConfigured)
	assert.Equal(t, int64(0), status.NextConfessionNumber)

	channelID := strconv.FormatInt(testChannelID, 10)
	rec = client.do(http.MethodPut, apiPrefix+apiPathChannel, setChannelPayload{ChannelID: channelID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, channelID, decodeJSON[setChannelPayload](t, rec).ChannelID)

	handleTestInteraction(t, bot, session, newConfessInteraction(t, "hello api", true))
	require.Len(t, session.Sent(), 1)
	assert.Equal(t, channelID, session.Sent()[0].ChannelID)

	rec = client.do(http.MethodGet, apiPrefix+apiPathState, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decodeJSON[BotStatus](t, rec)
	assert.True(t, status.ChannelConfigured)
	assert.Equal(t, channelID, status.ChannelID)
	assert.Equal(t, int64(1), status.NextConfessionNumber)
}

func TestAPI_StateCorruptChannel(t *testing.T) {
	corrupt := func(t *testing.T, bot *Bot) {
		t.Helper()
		path := filepath.Join(bot.config.State.Location, stateKeyChannel+stateFileExt)
		require.NoError(t, os.WriteFile(path, []byte("general"), 0o600))
	}

	t.Run(
		"fail open", func(t *testing.T) {
			bot, _ := newAPITestBot(t)
			corrupt(t, bot)
			client := newAPIClient(t, bot.api)
			client.login()

			rec := client.do(http.MethodGet, apiPrefix+apiPathState, nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			status := decodeJSON[BotStatus](t, rec)
			assert.False(t, status.ChannelConfigured)
			assert.Empty(t, status.ChannelID)
			assert.Equal(t, int64(0), status.NextConfessionNumber)
		},
	)
	t.Run(
		"fail closed", func(t *testing.T) {
			bot, _ := newAPITestBot(t)
			bot.config.Confession.FailOpen = false
			corrupt(t, bot)

			_, err := bot.Status(context.Background())
			require.ErrorIs(t, err, ErrStateCorrupt)

			client := newAPIClient(t, bot.api)
			client.login()
			rec := client.do(http.MethodGet, apiPrefix+apiPathState, nil)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
		},
	)
}

func TestAPI_SetChannelInvalid(t *testing.T) {
	bot, _ := newAPITestBot(t)
	client := newAPIClient(t, bot.api)
	client.login()

	for _, channelID := range []string{"", "general", "0", "-5"} {
		t.Run(
			channelID, func(t *testing.T) {
				rec := client.do(
					http.MethodPut,
					apiPrefix+apiPathChannel,
					setChannelPayload{ChannelID: channelID},
				)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			},
		)
	}

	status, err := bot.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, status.ChannelConfigured)
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, session := newAPITestBot(t)
	client := newAPIClient(t, bot.api)
	client.login()

	rec := client.do(http.MethodPost, apiPrefix+apiPathRegisterCommands, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, session.CommandOverwrites(), 1)
}

func TestAPI_Quit(t *testing.T) {
	bot, _ := newAPITestBot(t)
	client := newAPIClient(t, bot.api)
	client.login()

	rec := client.do(http.MethodPost, apiPrefix+apiPathQuit, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-bot.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}

func TestAPI_RequestMetrics(t *testing.T) {
	bot, _ := newAPITestBot(t)
	client := newAPIClient(t, bot.api)

	client.do(http.MethodGet, apiHealthCheck, nil)
	client.do(http.MethodGet, apiHealthCheck, nil)

	bot.api.requestMetricsMu.Lock()
	defer bot.api.requestMetricsMu.Unlock()
	assert.Equal(t, 2, bot.api.requestMetrics["GET "+apiHealthCheck])
}
