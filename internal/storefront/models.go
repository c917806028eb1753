package storefront

import (
	"net/url"
	"strconv"
)

// User is the profile returned by /auth/me and /users/{id}.
type User struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email,omitempty"`
	Tel      string `json:"tel,omitempty"`
	IsMember bool   `json:"is_member"`
	IsAdmin  bool   `json:"is_admin"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      int64  `json:"user_id"`
	UserName    string `json:"user_name"`
	IsAdmin     bool   `json:"is_admin"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
	Tel      string `json:"tel,omitempty"`
}

type RegisterResponse struct {
	Message  string `json:"message"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type UserUpdate struct {
	UserName string `json:"user_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Tel      string `json:"tel,omitempty"`
}

type MemberStatus struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	IsMember bool   `json:"is_member"`
}

type Product struct {
	ProductID     int64   `json:"product_id"`
	ProductName   string  `json:"product_name"`
	Price         float64 `json:"price"`
	Type          string  `json:"type"`
	Description   string  `json:"description"`
	StockQuantity int     `json:"stock_quantity"`
}

// ProductQuery filters the product list. Zero fields are omitted.
type ProductQuery struct {
	Skip      int
	Limit     int
	Type      string
	Search    string
	MinPrice  float64
	MaxPrice  float64
	InStock   bool
	SortBy    string
	SortOrder string
}

func (q ProductQuery) Values() url.Values {
	v := url.Values{}
	if q.Skip > 0 {
		v.Set("skip", strconv.Itoa(q.Skip))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.MinPrice > 0 {
		v.Set("min_price", strconv.FormatFloat(q.MinPrice, 'f', -1, 64))
	}
	if q.MaxPrice > 0 {
		v.Set("max_price", strconv.FormatFloat(q.MaxPrice, 'f', -1, 64))
	}
	if q.InStock {
		v.Set("in_stock", "true")
	}
	if q.SortBy != "" {
		v.Set("sort_by", q.SortBy)
	}
	if q.SortOrder != "" {
		v.Set("sort_order", q.SortOrder)
	}
	return v
}

type CartItem struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	Subtotal    float64 `json:"subtotal"`
}

type Cart struct {
	CartID     int64      `json:"cart_id"`
	UserID     int64      `json:"user_id"`
	Items      []CartItem `json:"items"`
	Total      float64    `json:"total"`
	ItemsCount int        `json:"items_count"`
}

type cartChange struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type OrderItem struct {
	ProductID   int64   `json:"product_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
	Subtotal    float64 `json:"subtotal"`
}

type Order struct {
	OrderID         int64       `json:"order_id"`
	UserID          int64       `json:"user_id,omitempty"`
	TotalAmount     float64     `json:"total_amount"`
	Recipient       string      `json:"recipient"`
	ShippingAddress string      `json:"shipping_address"`
	Status          string      `json:"status"`
	CreatedAt       string      `json:"created_at,omitempty"`
	Items           []OrderItem `json:"items"`
}

// Order statuses accepted by the admin status update.
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderShipped   = "shipped"
	OrderCompleted = "completed"
	OrderCancelled = "cancelled"
)

type CreateOrderRequest struct {
	Recipient       string `json:"recipient"`
	ShippingAddress string `json:"shipping_address"`
}

// OperationResult is the generic acknowledgement of mutating endpoints.
type OperationResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	OrderID int64  `json:"order_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

type FavoriteProduct struct {
	Product
	IsFavorite bool `json:"is_favorite"`
}

type favoriteChange struct {
	ProductID int64 `json:"product_id"`
}

type favoriteCheck struct {
	IsFavorite bool `json:"is_favorite"`
}
