package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

type fakeStore struct {
	quantities map[string]int
	err        error
}

func (s *fakeStore) AdjustQuantityByExternal(_ context.Context, _ string, externalStockID string, delta int) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	var q, ok = s.quantities[externalStockID]
	if !ok {
		return false, nil
	}
	q += delta
	if q < 0 {
		q = 0
	}
	s.quantities[externalStockID] = q
	return true, nil
}

type fakeKV struct {
	seen    map[string]struct{}
	failing bool
}

func (kv *fakeKV) SetNX(_ context.Context, key string, _ interface{}, _ time.Duration) *redis.BoolCmd {
	var cmd = redis.NewBoolCmd(context.Background())
	if kv.failing {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if kv.seen == nil {
		kv.seen = make(map[string]struct{})
	}
	if _, dup := kv.seen[key]; dup {
		cmd.SetVal(false)
		return cmd
	}
	kv.seen[key] = struct{}{}
	cmd.SetVal(true)
	return cmd
}

func orderEvent(t *testing.T, id, cause string, order Order) Event {
	t.Helper()
	var data, err = json.Marshal(order)
	require.NoError(t, err)
	return Event{ID: id, Cause: cause, Mode: "live", Data: data}
}

func TestSignatureRoundTrip(t *testing.T) {
	var body = []byte(`{"id":"wh-1","cause":"order.create"}`)
	var mac = hmac.New(sha256.New, []byte("secret-1"))
	mac.Write(body)
	var signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	require.NoError(t, VerifySignature(body, signature, "secret-1"))

	var err = VerifySignature(body, signature, "other-secret")
	require.Equal(t, errs.CodeWebhookValidation, errs.Code(err))

	err = VerifySignature([]byte(`tampered`), signature, "secret-1")
	require.Equal(t, errs.CodeWebhookValidation, errs.Code(err))

	err = VerifySignature(body, "%%%not-base64", "secret-1")
	require.Equal(t, errs.CodeWebhookValidation, errs.Code(err))
}

func TestSignatureRequiresSharedSecret(t *testing.T) {
	// A sender who knows the secret was never captured could compute a
	// valid HMAC over the empty key; an empty secret must never verify.
	var body = []byte(`{"id":"wh-1","cause":"order.create"}`)
	var mac = hmac.New(sha256.New, nil)
	mac.Write(body)
	var signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	var err = VerifySignature(body, signature, "")
	require.Equal(t, errs.CodeWebhookValidation, errs.Code(err))
}

func TestPaidOrderDecrementsSoldItems(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4, "901": 1}}
	var p = NewProcessor(st, &fakeKV{})

	var result, err = p.Process(context.Background(), "user-1", orderEvent(t, "wh-1", "order.create", Order{
		ID:    77,
		State: "paid",
		Items: []OrderItem{{ProductID: 900, Quantity: 3}, {ProductID: 901, Quantity: 2}},
	}))
	require.NoError(t, err)
	require.Equal(t, 2, result.Processed)
	require.Empty(t, result.Errors)
	require.Equal(t, 1, st.quantities["900"])
	// Oversold rows clamp at zero rather than going negative.
	require.Equal(t, 0, st.quantities["901"])
}

func TestUnpaidOrderIsIgnored(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4}}
	var p = NewProcessor(st, &fakeKV{})

	var result, err = p.Process(context.Background(), "user-1", orderEvent(t, "wh-2", "order.create", Order{
		State: "pending",
		Items: []OrderItem{{ProductID: 900, Quantity: 3}},
	}))
	require.NoError(t, err)
	require.True(t, result.Ignored)
	require.Equal(t, 4, st.quantities["900"])
}

func TestCancellationRestoresQuantities(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 1}}
	var p = NewProcessor(st, &fakeKV{})

	for _, order := range []Order{
		{State: "canceled"},
		{State: "request_for_cancel"},
		{State: "shipped", PreviousState: "paid"},
	} {
		order.Items = []OrderItem{{ProductID: 900, Quantity: 2}}
		var result, err = p.Process(context.Background(), "user-1",
			orderEvent(t, "", "order.update", order))
		require.NoError(t, err)
		require.Equal(t, 1, result.Processed)
	}
	require.Equal(t, 7, st.quantities["900"])

	// paid → paid is not a cancellation.
	var result, err = p.Process(context.Background(), "user-1",
		orderEvent(t, "", "order.update", Order{
			State: "paid", PreviousState: "paid",
			Items: []OrderItem{{ProductID: 900, Quantity: 2}},
		}))
	require.NoError(t, err)
	require.True(t, result.Ignored)
}

func TestCreateThenDestroyIsReversible(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4}}
	var p = NewProcessor(st, &fakeKV{})
	var items = []OrderItem{{ProductID: 900, Quantity: 3}}

	var _, err = p.Process(context.Background(), "user-1",
		orderEvent(t, "wh-3", "order.create", Order{State: "paid", Items: items}))
	require.NoError(t, err)
	require.Equal(t, 1, st.quantities["900"])

	_, err = p.Process(context.Background(), "user-1",
		orderEvent(t, "wh-4", "order.destroy", Order{State: "paid", Items: items}))
	require.NoError(t, err)
	require.Equal(t, 4, st.quantities["900"])
}

func TestMissingItemsDoNotBlockTheOrder(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4}}
	var p = NewProcessor(st, &fakeKV{})

	var result, err = p.Process(context.Background(), "user-1",
		orderEvent(t, "wh-5", "order.create", Order{
			State: "paid",
			Items: []OrderItem{{ProductID: 111, Quantity: 1}, {ProductID: 900, Quantity: 1}},
		}))
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, []string{"no local item for product 111"}, result.Errors)
	require.Equal(t, 3, st.quantities["900"])
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4}}
	var p = NewProcessor(st, &fakeKV{})
	var event = orderEvent(t, "wh-6", "order.create", Order{
		State: "paid",
		Items: []OrderItem{{ProductID: 900, Quantity: 1}},
	})

	var _, err = p.Process(context.Background(), "user-1", event)
	require.NoError(t, err)
	result, err := p.Process(context.Background(), "user-1", event)
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	// Only the first delivery decremented.
	require.Equal(t, 3, st.quantities["900"])
}

func TestDeDupFailsOpen(t *testing.T) {
	var st = &fakeStore{quantities: map[string]int{"900": 4}}
	var p = NewProcessor(st, &fakeKV{failing: true})

	var result, err = p.Process(context.Background(), "user-1",
		orderEvent(t, "wh-7", "order.create", Order{
			State: "paid",
			Items: []OrderItem{{ProductID: 900, Quantity: 1}},
		}))
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.Equal(t, 1, result.Processed)
}

func TestUnknownCauseIsIgnored(t *testing.T) {
	var p = NewProcessor(&fakeStore{}, &fakeKV{})
	var result, err = p.Process(context.Background(), "user-1",
		Event{ID: "wh-8", Cause: "product.create", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.True(t, result.Ignored)
}
