package domain

// ProductKey identifies a product as "shopId:productId".
// It is the key used by the price snapshot and the lock registry.
type ProductKey string

// Key builds the canonical snapshot key for a shop/product pair.
func Key(shopID, productID string) ProductKey {
	return ProductKey(shopID + ":" + productID)
}

// Product is a configured, sellable item. Immutable except via config reload.
type Product struct {
	ShopID    string  `yaml:"-"`
	ProductID string  `yaml:"-"`
	BasePrice float64 `yaml:"base_price"`
	Lambda    float64 `yaml:"lambda"`    // per-product elasticity; 0 means use the default
	Weighting float64 `yaml:"weighting"` // optional environmental weighting, 0 means 1.0
}

// Key returns the snapshot key for this product.
func (p *Product) Key() ProductKey {
	return Key(p.ShopID, p.ProductID)
}

// PriceSnapshot is a versioned, immutable product -> unit price mapping.
// It is replaced wholesale by the compute engine, never mutated in place.
type PriceSnapshot struct {
	Generation uint64
	ComputedAt int64 // unix millis
	Prices     map[ProductKey]float64
}

// Price returns the unit price for a key, or -1 if the key is unknown.
func (s *PriceSnapshot) Price(key ProductKey) float64 {
	if s == nil {
		return -1
	}
	if p, ok := s.Prices[key]; ok {
		return p
	}
	return -1
}
