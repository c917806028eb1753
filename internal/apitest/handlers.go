package apitest

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

type product struct {
	ID          int64   `json:"product_id"`
	Name        string  `json:"product_name"`
	Price       float64 `json:"price"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Stock       int     `json:"stock_quantity"`
}

type cartLine struct {
	ProductID int64
	Quantity  int
}

type orderLine struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"product_name"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Subtotal  float64 `json:"subtotal"`
}

type order struct {
	ID              int64       `json:"order_id"`
	UserID          int64       `json:"user_id"`
	TotalAmount     float64     `json:"total_amount"`
	Recipient       string      `json:"recipient"`
	ShippingAddress string      `json:"shipping_address"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	Items           []orderLine `json:"items"`
}

var orderStatuses = []string{"pending", "paid", "shipped", "completed", "cancelled"}

// AddProduct adds a product to the catalogue and returns its id.
func (s *Server) AddProduct(name, typ string, price float64, stock int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.products[s.nextID] = &product{ID: s.nextID, Name: name, Type: typ, Price: price, Stock: stock, Description: name}
	return s.nextID
}

// SetOrderStatus changes an order's status directly, e.g. to simulate
// shipping.
func (s *Server) SetOrderStatus(orderID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok {
		o.Status = status
	}
}

func (s *Server) listProductsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, _ := strconv.Atoi(q.Get("skip"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	search := strings.ToLower(q.Get("search"))

	s.mu.Lock()
	out := make([]product, 0, len(s.products))
	for _, p := range s.products {
		if t := q.Get("type"); t != "" && p.Type != t {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(p.Name), search) {
			continue
		}
		if q.Get("in_stock") == "true" && p.Stock <= 0 {
			continue
		}
		out = append(out, *p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Get("sort_order") == "desc" {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	}
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProductHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "productID")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid product id")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Product does not exist")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) categoriesHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	seen := map[string]bool{}
	var types []string
	for _, p := range s.products {
		if p.Type != "" && !seen[p.Type] {
			seen[p.Type] = true
			types = append(types, p.Type)
		}
	}
	s.mu.Unlock()
	sort.Strings(types)
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User does not exist")
		return
	}
	writeJSON(w, http.StatusOK, u.profile())
}

func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	var req struct {
		UserName string `json:"user_name"`
		Email    string `json:"email"`
		Tel      string `json:"tel"`
	}
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User does not exist")
		return
	}
	if req.UserName != "" {
		u.Name = req.UserName
	}
	if req.Email != "" {
		u.Email = req.Email
	}
	if req.Tel != "" {
		u.Tel = req.Tel
	}
	writeJSON(w, http.StatusOK, u.profile())
}

func (s *Server) memberStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User does not exist")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": u.ID, "user_name": u.Name, "is_member": u.Member})
}

// updateMemberStatusHandler grants membership once the user has spent at
// least 1000 on completed or paid orders.
func (s *Server) updateMemberStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "User does not exist")
		return
	}
	var spent float64
	for _, o := range s.orders {
		if o.UserID == id && (o.Status == "paid" || o.Status == "completed") {
			spent += o.TotalAmount
		}
	}
	u.Member = spent >= 1000
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": u.ID, "user_name": u.Name, "is_member": u.Member})
}

func (s *Server) cartLocked(userID int64) map[string]interface{} {
	items := []map[string]interface{}{}
	var total float64
	var count int
	for _, line := range s.carts[userID] {
		p, ok := s.products[line.ProductID]
		if !ok {
			continue
		}
		sub := p.Price * float64(line.Quantity)
		total += sub
		count += line.Quantity
		items = append(items, map[string]interface{}{
			"product_id":   p.ID,
			"product_name": p.Name,
			"price":        p.Price,
			"quantity":     line.Quantity,
			"subtotal":     sub,
		})
	}
	return map[string]interface{}{
		"cart_id":     userID,
		"user_id":     userID,
		"items":       items,
		"total":       total,
		"items_count": count,
	}
}

func (s *Server) getCartHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.cartLocked(id))
}

type cartRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

func (s *Server) addToCartHandler(w http.ResponseWriter, r *http.Request) {
	s.changeCart(w, r, true)
}

func (s *Server) updateCartHandler(w http.ResponseWriter, r *http.Request) {
	s.changeCart(w, r, false)
}

func (s *Server) changeCart(w http.ResponseWriter, r *http.Request, add bool) {
	id, _ := pathID(r, "userID")
	var req cartRequest
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	if req.Quantity <= 0 {
		writeDetail(w, http.StatusBadRequest, "Quantity must be positive.")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[req.ProductID]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Product does not exist.")
		return
	}

	lines := s.carts[id]
	idx := -1
	for i, line := range lines {
		if line.ProductID == req.ProductID {
			idx = i
		}
	}
	qty := req.Quantity
	if add && idx >= 0 {
		qty += lines[idx].Quantity
	}
	if !add && idx < 0 {
		writeDetail(w, http.StatusNotFound, "Product not found in the shopping cart.")
		return
	}
	if p.Stock < qty {
		writeDetail(w, http.StatusBadRequest, "Insufficient stock. Current stock: "+strconv.Itoa(p.Stock))
		return
	}
	if idx >= 0 {
		lines[idx].Quantity = qty
	} else {
		lines = append(lines, cartLine{ProductID: req.ProductID, Quantity: qty})
	}
	s.carts[id] = lines
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Cart updated"})
}

func (s *Server) removeFromCartHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	pid, err := pathID(r, "productID")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid product id")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.carts[id]
	for i, line := range lines {
		if line.ProductID == pid {
			s.carts[id] = append(lines[:i:i], lines[i+1:]...)
			writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Removed from cart"})
			return
		}
	}
	writeDetail(w, http.StatusNotFound, "Product not found in the shopping cart.")
}

func (s *Server) listFavoritesHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []map[string]interface{}{}
	for pid := range s.favorites[id] {
		p, ok := s.products[pid]
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"product_id":     p.ID,
			"product_name":   p.Name,
			"price":          p.Price,
			"type":           p.Type,
			"description":    p.Description,
			"stock_quantity": p.Stock,
			"is_favorite":    true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["product_id"].(int64) < out[j]["product_id"].(int64) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) addFavoriteHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	var req struct {
		ProductID int64 `json:"product_id"`
	}
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[req.ProductID]; !ok {
		writeDetail(w, http.StatusNotFound, "Product does not exist")
		return
	}
	if s.favorites[id] == nil {
		s.favorites[id] = map[int64]bool{}
	}
	if s.favorites[id][req.ProductID] {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "message": "Already in favorites"})
		return
	}
	s.favorites[id][req.ProductID] = true
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Added to favorites"})
}

func (s *Server) removeFavoriteHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	pid, _ := pathID(r, "productID")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.favorites[id][pid] {
		writeDetail(w, http.StatusNotFound, "Not in favorites")
		return
	}
	delete(s.favorites[id], pid)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Removed from favorites"})
}

func (s *Server) checkFavoriteHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	pid, _ := pathID(r, "productID")
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"is_favorite": s.favorites[id][pid]})
}

func (s *Server) ordersLocked(match func(*order) bool) []*order {
	out := []*order{}
	for _, o := range s.orders {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (s *Server) listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := pathID(r, "userID")
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.ordersLocked(func(o *order) bool { return o.UserID == id }))
}

// createOrderHandler turns the user's cart into a pending order and
// empties the cart.
func (s *Server) createOrderHandler(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	var req struct {
		Recipient       string `json:"recipient"`
		ShippingAddress string `json:"shipping_address"`
	}
	if err := decode(r, &req); err != nil || req.Recipient == "" || req.ShippingAddress == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "recipient and shipping_address are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.carts[u.ID]
	if len(lines) == 0 {
		writeDetail(w, http.StatusBadRequest, "Shopping cart is empty")
		return
	}
	var items []orderLine
	var total float64
	for _, line := range lines {
		p, ok := s.products[line.ProductID]
		if !ok || p.Stock < line.Quantity {
			writeDetail(w, http.StatusBadRequest, "Some products have insufficient stock")
			return
		}
		sub := p.Price * float64(line.Quantity)
		total += sub
		items = append(items, orderLine{ProductID: p.ID, Name: p.Name, Quantity: line.Quantity, Price: p.Price, Subtotal: sub})
	}
	for _, line := range lines {
		s.products[line.ProductID].Stock -= line.Quantity
	}
	delete(s.carts, u.ID)

	s.nextID++
	o := &order{
		ID:              s.nextID,
		UserID:          u.ID,
		TotalAmount:     total,
		Recipient:       req.Recipient,
		ShippingAddress: req.ShippingAddress,
		Status:          "pending",
		CreatedAt:       s.now(),
		Items:           items,
	}
	s.orders[o.ID] = o
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Order created successfully", "order_id": o.ID, "status": o.Status})
}

// transition moves an order owned by the caller from one status to
// another.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, from, to, message string) {
	id, err := pathID(r, "orderID")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid order id")
		return
	}
	u := currentUser(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Order does not exist")
		return
	}
	if o.UserID != u.ID && !u.Admin {
		writeDetail(w, http.StatusForbidden, "Unauthorized to operate on this order")
		return
	}
	if o.Status != from {
		writeDetail(w, http.StatusBadRequest, "Only "+from+" orders can be "+to)
		return
	}
	o.Status = to
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": message, "order_id": o.ID, "status": o.Status})
}

func (s *Server) cancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pending", "cancelled", "Order cancelled")
}

func (s *Server) completeOrderHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "shipped", "completed", "Order completed")
}

func (s *Server) payOrderHandler(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "pending", "paid", "Payment successful")
}

func (s *Server) allOrdersHandler(w http.ResponseWriter, r *http.Request) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.ordersLocked(func(*order) bool { return true })
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ordersByStatusHandler(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.ordersLocked(func(o *order) bool { return o.Status == status }))
}

func (s *Server) updateOrderStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "orderID")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid order id")
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}
	valid := false
	for _, st := range orderStatuses {
		if st == req.Status {
			valid = true
		}
	}
	if !valid {
		writeDetail(w, http.StatusBadRequest, "Invalid status, must be one of: "+strings.Join(orderStatuses, ", "))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Order does not exist")
		return
	}
	o.Status = req.Status
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Order status updated to: " + req.Status, "order_id": o.ID, "status": o.Status})
}

// completeOldOrdersHandler completes shipped orders older than a week.
func (s *Server) completeOldOrdersHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-7 * 24 * time.Hour)
	n := 0
	for _, o := range s.orders {
		if o.Status == "shipped" && o.CreatedAt.Before(cutoff) {
			o.Status = "completed"
			n++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": strconv.Itoa(n) + " orders completed"})
}
