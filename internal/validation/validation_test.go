package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCreateIntentRequest_Valid(t *testing.T) {
	v := New()

	req := CreateIntentRequest{
		Items: []CartItem{
			{ProductID: "7", Quantity: 2},
			{ProductID: "8", Quantity: 1},
		},
		PayerEmail: "buyer@example.com",
	}
	if err := v.Struct(req); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateIntentRequest_RetryWithoutItems(t *testing.T) {
	v := New()

	if err := v.Struct(CreateIntentRequest{OrderID: "o-1"}); err != nil {
		t.Fatalf("expected order retry without items to be valid, got: %v", err)
	}
}

func TestCreateIntentRequest_ItemsRequiredWithoutOrder(t *testing.T) {
	v := New()

	err := v.Struct(CreateIntentRequest{})
	if err == nil {
		t.Fatal("expected validation error for empty cart, got nil")
	}
	fields := validationErrorsToMap(err)
	if fields["CreateIntentRequest.Items"] != "required_without_order" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestCreateIntentRequest_NonPositiveQuantity(t *testing.T) {
	v := New()

	for _, qty := range []int{0, -1} {
		req := CreateIntentRequest{Items: []CartItem{{ProductID: "7", Quantity: qty}}}
		if err := v.Struct(req); err == nil {
			t.Fatalf("expected validation error for quantity %d, got nil", qty)
		}
	}
}

func TestSaveCardRequest(t *testing.T) {
	v := New()

	ok := SaveCardRequest{CardNumber: "4111111111111111", HolderName: "ANA", ExpMonth: 11, ExpYear: 2030, CVV: "123"}
	if err := v.Struct(ok); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}

	bad := ok
	bad.CardNumber = "4111-1111"
	bad.ExpMonth = 13
	err := v.Struct(bad)
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	if n := len(validationErrorsToMap(err)); n != 2 {
		t.Fatalf("expected 2 field errors, got %d", n)
	}
}

func TestAdminStatusRequest(t *testing.T) {
	v := New()

	if err := v.Struct(AdminStatusRequest{Status: "PAID"}); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
	if err := v.Struct(AdminStatusRequest{Status: "SHIPPED"}); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestBindAndValidate_WritesBadRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New()

	cases := map[string]string{
		"malformed": `{"order_id":`,
		"invalid":   `{"order_id":"o-1"}`,
	}
	wantCode := map[string]string{
		"malformed": "INVALID_REQUEST_BODY",
		"invalid":   "VALIDATION_FAILED",
	}
	for name, body := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/payments/pay-with-card", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")

		var req PayWithCardRequest
		if err := BindAndValidate(c, &req, v); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: bad json: %v", name, err)
		}
		if resp["error"] != wantCode[name] {
			t.Fatalf("%s: expected %s, got %v", name, wantCode[name], resp["error"])
		}
	}
}
