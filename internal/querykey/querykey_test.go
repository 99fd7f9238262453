package querykey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/socialmarket/internal/domain"
)

func TestKey_Equal(t *testing.T) {
	a := Orders(domain.OrderSideSell, `platform=instagram`)
	b := Orders(domain.OrderSideSell, `platform=instagram`)
	c := Orders(domain.OrderSideSell, `platform=tiktok`)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.String(), b.String())
	assert.False(t, a.Equal(c))
	assert.NotEqual(t, a.String(), c.String())
}

func TestKey_EmptyParamsMeansAll(t *testing.T) {
	assert.True(t, Orders(domain.OrderSideBuy, "").Equal(OrdersAll(domain.OrderSideBuy)))
	assert.Equal(t, []string{"orders", "buy", "all"}, OrdersAll(domain.OrderSideBuy).Parts())
}

func TestKey_HasPrefix(t *testing.T) {
	sell := OrdersAll(domain.OrderSideSell)
	user := UserOrders("u1", domain.OrderSideBuy)
	wallets := Wallets("u1")

	assert.True(t, sell.HasPrefix(OrdersPrefix()))
	assert.True(t, sell.HasPrefix(SideOrdersPrefix(domain.OrderSideSell)))
	assert.False(t, sell.HasPrefix(SideOrdersPrefix(domain.OrderSideBuy)))
	assert.True(t, user.HasPrefix(OrdersPrefix()))
	assert.False(t, wallets.HasPrefix(OrdersPrefix()))
	assert.True(t, wallets.HasPrefix(Key{}), "empty prefix matches everything")
	assert.False(t, OrdersPrefix().HasPrefix(sell), "longer prefix never matches")
}

func TestKey_StringIsUnambiguous(t *testing.T) {
	// Elements containing the separator of a naive join must not collide.
	a := New("orders", "sell.all")
	b := New("orders", "sell", "all")
	assert.NotEqual(t, a.String(), b.String())
}

func TestKey_Immutable(t *testing.T) {
	parts := []string{"orders", "sell"}
	k := New(parts...)
	parts[1] = "buy"
	assert.Equal(t, []string{"orders", "sell"}, k.Parts())

	got := k.Parts()
	got[0] = "x"
	assert.Equal(t, "orders", k.Parts()[0])

	ext := k.Append("all")
	assert.Equal(t, 2, k.Len())
	assert.Equal(t, 3, ext.Len())
}
