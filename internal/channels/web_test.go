package channels

import (
	"context"
	"errors"
	"testing"
)

func TestWeb_ParseInbound(t *testing.T) {
	body := []byte(`{"visitor_id":"v-1","text":"need help","name":"Ada","email":"a@b.c","phone":"+1555"}`)
	in, err := NewWeb().ParseInbound(context.Background(), nil, body, nil)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if in.Kind != KindMessage || in.ExternalID != "v-1" || in.Text != "need help" ||
		in.DisplayName != "Ada" || in.Email != "a@b.c" || in.Phone != "+1555" {
		t.Fatalf("unexpected inbound: %+v", in)
	}
}

func TestWeb_ParseInbound_MissingVisitor(t *testing.T) {
	if _, err := NewWeb().ParseInbound(context.Background(), nil, []byte(`{"text":"x"}`), nil); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
}

func TestWeb_ParseInbound_EmptyTextIsNoop(t *testing.T) {
	in, err := NewWeb().ParseInbound(context.Background(), nil, []byte(`{"visitor_id":"v-1","text":"  "}`), nil)
	if err != nil || in.Kind != KindNoop {
		t.Fatalf("expected noop, got %+v, %v", in, err)
	}
}

func TestWeb_Deliver_NoOp(t *testing.T) {
	if _, err := NewWeb().Deliver(context.Background(), nil, "v-1", "hi"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}
