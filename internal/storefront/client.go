// Package storefront holds the typed API clients that the CLI pages use.
// Every call goes through the gateway; nothing here talks HTTP directly.
package storefront

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dvcrn/storefront-session/internal/gateway"
)

// Caller is implemented by *gateway.Gateway.
type Caller interface {
	Call(ctx context.Context, endpoint string, opts gateway.Options) (*gateway.Response, error)
}

type CartNotifier interface {
	NotifyCartUpdated()
}

type Client struct {
	Auth      *AuthAPI
	Users     *UsersAPI
	Products  *ProductsAPI
	Cart      *CartAPI
	Orders    *OrdersAPI
	Favorites *FavoritesAPI
}

func NewClient(gw Caller, cartEvents CartNotifier) *Client {
	base := api{gw: gw}
	return &Client{
		Auth:      &AuthAPI{base},
		Users:     &UsersAPI{base},
		Products:  &ProductsAPI{base},
		Cart:      &CartAPI{api: base, events: cartEvents},
		Orders:    &OrdersAPI{base},
		Favorites: &FavoritesAPI{base},
	}
}

type api struct {
	gw Caller
}

func (a api) do(ctx context.Context, endpoint string, opts gateway.Options, out interface{}) error {
	resp, err := a.gw.Call(ctx, endpoint, opts)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

func (a api) get(ctx context.Context, endpoint string, out interface{}) error {
	return a.do(ctx, endpoint, gateway.Options{Authenticated: true}, out)
}

func (a api) send(ctx context.Context, method, endpoint string, body, out interface{}) error {
	return a.do(ctx, endpoint, gateway.Options{Method: method, Body: body, Authenticated: true}, out)
}

type AuthAPI struct{ api }

// Login exchanges credentials for a token. It is an anonymous call: a 401
// here means wrong credentials, not an expired session.
func (a *AuthAPI) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := a.do(ctx, "/auth/login", gateway.Options{
		Method: http.MethodPost,
		Body:   LoginRequest{Username: username, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AuthAPI) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := a.do(ctx, "/auth/register", gateway.Options{Method: http.MethodPost, Body: req}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *AuthAPI) Me(ctx context.Context) (*User, error) {
	var out User
	if err := a.do(ctx, "/auth/me", gateway.Options{Authenticated: true, NoCache: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type UsersAPI struct{ api }

func (u *UsersAPI) Get(ctx context.Context, userID int64) (*User, error) {
	var out User
	if err := u.get(ctx, fmt.Sprintf("/users/%d", userID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *UsersAPI) Update(ctx context.Context, userID int64, update UserUpdate) (*User, error) {
	var out User
	if err := u.send(ctx, http.MethodPut, fmt.Sprintf("/users/%d", userID), update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *UsersAPI) MemberStatus(ctx context.Context, userID int64) (*MemberStatus, error) {
	var out MemberStatus
	if err := u.get(ctx, fmt.Sprintf("/users/%d/member-status", userID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (u *UsersAPI) UpdateMemberStatus(ctx context.Context, userID int64) (*MemberStatus, error) {
	var out MemberStatus
	if err := u.send(ctx, http.MethodPut, fmt.Sprintf("/users/%d/member-status", userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProductsAPI calls are anonymous; browsing never requires a login.
type ProductsAPI struct{ api }

func (p *ProductsAPI) List(ctx context.Context, q ProductQuery) ([]Product, error) {
	endpoint := "/products/"
	if v := q.Values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var out []Product
	if err := p.do(ctx, endpoint, gateway.Options{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *ProductsAPI) Get(ctx context.Context, productID int64) (*Product, error) {
	var out Product
	if err := p.do(ctx, fmt.Sprintf("/products/%d", productID), gateway.Options{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *ProductsAPI) Categories(ctx context.Context) ([]string, error) {
	var out []string
	if err := p.do(ctx, "/products/categories/types", gateway.Options{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *ProductsAPI) Search(ctx context.Context, keyword string) ([]Product, error) {
	var out []Product
	if err := p.do(ctx, "/products/?search="+url.QueryEscape(keyword), gateway.Options{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CartAPI announces every successful change so badges and cached reads
// catch up.
type CartAPI struct {
	api
	events CartNotifier
}

func (c *CartAPI) Get(ctx context.Context, userID int64) (*Cart, error) {
	return c.fetch(ctx, userID, false)
}

// Fresh reads the cart bypassing the response cache.
func (c *CartAPI) Fresh(ctx context.Context, userID int64) (*Cart, error) {
	return c.fetch(ctx, userID, true)
}

func (c *CartAPI) fetch(ctx context.Context, userID int64, noCache bool) (*Cart, error) {
	var out Cart
	opts := gateway.Options{Authenticated: true, NoCache: noCache}
	if err := c.do(ctx, fmt.Sprintf("/cart/%d", userID), opts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CartAPI) Add(ctx context.Context, userID, productID int64, quantity int) error {
	if quantity <= 0 {
		quantity = 1
	}
	return c.change(ctx, http.MethodPost, fmt.Sprintf("/cart/%d/add", userID), cartChange{ProductID: productID, Quantity: quantity})
}

func (c *CartAPI) Update(ctx context.Context, userID, productID int64, quantity int) error {
	return c.change(ctx, http.MethodPut, fmt.Sprintf("/cart/%d/update", userID), cartChange{ProductID: productID, Quantity: quantity})
}

func (c *CartAPI) Remove(ctx context.Context, userID, productID int64) error {
	return c.change(ctx, http.MethodDelete, fmt.Sprintf("/cart/%d/remove/%d", userID, productID), nil)
}

func (c *CartAPI) change(ctx context.Context, method, endpoint string, body interface{}) error {
	if err := c.send(ctx, method, endpoint, body, nil); err != nil {
		return err
	}
	if c.events != nil {
		c.events.NotifyCartUpdated()
	}
	return nil
}

type OrdersAPI struct{ api }

func (o *OrdersAPI) List(ctx context.Context, userID int64) ([]Order, error) {
	var out []Order
	if err := o.get(ctx, fmt.Sprintf("/orders/user/%d", userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OrdersAPI) Create(ctx context.Context, req CreateOrderRequest) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPost, "/orders/create", req)
}

func (o *OrdersAPI) Cancel(ctx context.Context, orderID int64) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPut, fmt.Sprintf("/orders/%d/cancel", orderID), nil)
}

func (o *OrdersAPI) Complete(ctx context.Context, orderID int64) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPut, fmt.Sprintf("/orders/%d/complete", orderID), nil)
}

func (o *OrdersAPI) Pay(ctx context.Context, orderID int64) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPost, fmt.Sprintf("/orders/%d/pay", orderID), nil)
}

func (o *OrdersAPI) ByStatus(ctx context.Context, status string) ([]Order, error) {
	var out []Order
	if err := o.get(ctx, "/orders/admin/status/"+url.PathEscape(status), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OrdersAPI) UpdateStatus(ctx context.Context, orderID int64, status string) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPut, fmt.Sprintf("/orders/admin/%d/status", orderID), map[string]string{"status": status})
}

func (o *OrdersAPI) All(ctx context.Context, skip, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Order
	if err := o.get(ctx, fmt.Sprintf("/orders/admin/all?skip=%d&limit=%d", skip, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *OrdersAPI) CompleteOldOrders(ctx context.Context) (*OperationResult, error) {
	return o.operation(ctx, http.MethodPost, "/orders/complete-old-orders", nil)
}

func (o *OrdersAPI) operation(ctx context.Context, method, endpoint string, body interface{}) (*OperationResult, error) {
	var out OperationResult
	if err := o.send(ctx, method, endpoint, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type FavoritesAPI struct{ api }

func (f *FavoritesAPI) List(ctx context.Context, userID int64) ([]FavoriteProduct, error) {
	var out []FavoriteProduct
	if err := f.get(ctx, fmt.Sprintf("/favorites/%d", userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FavoritesAPI) Add(ctx context.Context, userID, productID int64) (*OperationResult, error) {
	var out OperationResult
	if err := f.send(ctx, http.MethodPost, fmt.Sprintf("/favorites/%d/add", userID), favoriteChange{ProductID: productID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *FavoritesAPI) Remove(ctx context.Context, userID, productID int64) (*OperationResult, error) {
	var out OperationResult
	if err := f.send(ctx, http.MethodDelete, fmt.Sprintf("/favorites/%d/remove/%d", userID, productID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Check reads through the cache only until the next favorites change.
func (f *FavoritesAPI) Check(ctx context.Context, userID, productID int64) (bool, error) {
	var out favoriteCheck
	if err := f.get(ctx, fmt.Sprintf("/favorites/%d/check/%d", userID, productID), &out); err != nil {
		return false, err
	}
	return out.IsFavorite, nil
}
