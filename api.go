package lineup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

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
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// http client for the retreat admin service
type RetreatApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	auth *SessionAuth

	// overridable for tests
	httpClient *http.Client
}

func NewRetreatApi(apiUrl string, auth *SessionAuth) *RetreatApi {
	return NewRetreatApiWithContext(context.Background(), apiUrl, auth)
}

func NewRetreatApiWithContext(ctx context.Context, apiUrl string, auth *SessionAuth) *RetreatApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &RetreatApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		auth:       auth,
		httpClient: defaultClient(),
	}
}

func (self *RetreatApi) SetAuth(auth *SessionAuth) {
	self.auth = auth
}

func (self *RetreatApi) Auth() *SessionAuth {
	return self.auth
}

func (self *RetreatApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ByJwt string                `json:"token,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *RetreatApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go request(
		self.ctx,
		self,
		"POST",
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		&AuthLoginResult{},
		callback,
	)
}

func (self *RetreatApi) AuthLoginSync(ctx context.Context, authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return request(
		ctx,
		self,
		"POST",
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type GetLineupsCallback apiCallback[[]*LineupRecord]

func (self *RetreatApi) GetLineups(retreatId int64, callback GetLineupsCallback) {
	go request(
		self.ctx,
		self,
		"GET",
		fmt.Sprintf("%s/retreats/%d/lineups", self.apiUrl, retreatId),
		nil,
		[]*LineupRecord{},
		callback,
	)
}

func (self *RetreatApi) GetLineupsSync(ctx context.Context, retreatId int64) ([]*LineupRecord, error) {
	return request(
		ctx,
		self,
		"GET",
		fmt.Sprintf("%s/retreats/%d/lineups", self.apiUrl, retreatId),
		nil,
		[]*LineupRecord{},
		NewNoopApiCallback[[]*LineupRecord](),
	)
}

type UpdateGbsNumberCallback apiCallback[*LineupRecord]

type UpdateGbsNumberArgs struct {
	RecordId  int64 `json:"recordId"`
	GbsNumber *int  `json:"gbsNumber"`
}

func (self *RetreatApi) UpdateGbsNumber(retreatId int64, updateGbsNumber *UpdateGbsNumberArgs, callback UpdateGbsNumberCallback) {
	go request(
		self.ctx,
		self,
		"PUT",
		fmt.Sprintf("%s/retreats/%d/lineups/gbs-number", self.apiUrl, retreatId),
		updateGbsNumber,
		&LineupRecord{},
		callback,
	)
}

func (self *RetreatApi) UpdateGbsNumberSync(ctx context.Context, retreatId int64, updateGbsNumber *UpdateGbsNumberArgs) (*LineupRecord, error) {
	return request(
		ctx,
		self,
		"PUT",
		fmt.Sprintf("%s/retreats/%d/lineups/gbs-number", self.apiUrl, retreatId),
		updateGbsNumber,
		&LineupRecord{},
		NewNoopApiCallback[*LineupRecord](),
	)
}

type MemoCallback apiCallback[*LineupRecord]

type CreateMemoArgs struct {
	Memo  string `json:"memo"`
	Color string `json:"color,omitempty"`
}

func (self *RetreatApi) CreateMemo(retreatId int64, recordId int64, createMemo *CreateMemoArgs, callback MemoCallback) {
	go request(
		self.ctx,
		self,
		"POST",
		fmt.Sprintf("%s/retreats/%d/lineups/%d/memo", self.apiUrl, retreatId, recordId),
		createMemo,
		&LineupRecord{},
		callback,
	)
}

func (self *RetreatApi) CreateMemoSync(ctx context.Context, retreatId int64, recordId int64, createMemo *CreateMemoArgs) (*LineupRecord, error) {
	return request(
		ctx,
		self,
		"POST",
		fmt.Sprintf("%s/retreats/%d/lineups/%d/memo", self.apiUrl, retreatId, recordId),
		createMemo,
		&LineupRecord{},
		NewNoopApiCallback[*LineupRecord](),
	)
}

type UpdateMemoArgs struct {
	Memo  string `json:"memo"`
	Color string `json:"color,omitempty"`
}

func (self *RetreatApi) UpdateMemo(retreatId int64, memoId int64, updateMemo *UpdateMemoArgs, callback MemoCallback) {
	go request(
		self.ctx,
		self,
		"PUT",
		fmt.Sprintf("%s/retreats/%d/lineups/memo/%d", self.apiUrl, retreatId, memoId),
		updateMemo,
		&LineupRecord{},
		callback,
	)
}

func (self *RetreatApi) UpdateMemoSync(ctx context.Context, retreatId int64, memoId int64, updateMemo *UpdateMemoArgs) (*LineupRecord, error) {
	return request(
		ctx,
		self,
		"PUT",
		fmt.Sprintf("%s/retreats/%d/lineups/memo/%d", self.apiUrl, retreatId, memoId),
		updateMemo,
		&LineupRecord{},
		NewNoopApiCallback[*LineupRecord](),
	)
}

func (self *RetreatApi) DeleteMemo(retreatId int64, memoId int64, callback MemoCallback) {
	go request(
		self.ctx,
		self,
		"DELETE",
		fmt.Sprintf("%s/retreats/%d/lineups/memo/%d", self.apiUrl, retreatId, memoId),
		nil,
		&LineupRecord{},
		callback,
	)
}

func (self *RetreatApi) DeleteMemoSync(ctx context.Context, retreatId int64, memoId int64) (*LineupRecord, error) {
	return request(
		ctx,
		self,
		"DELETE",
		fmt.Sprintf("%s/retreats/%d/lineups/memo/%d", self.apiUrl, retreatId, memoId),
		nil,
		&LineupRecord{},
		NewNoopApiCallback[*LineupRecord](),
	)
}

func request[R any](ctx context.Context, api *RetreatApi, method string, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if auth := api.auth; auth != nil {
		if auth.SessionCookie != "" {
			req.Header.Add("Cookie", auth.SessionCookie)
		}
		if auth.ByJwt != "" {
			req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", auth.ByJwt))
		}
	}

	r, err := api.httpClient.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
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
