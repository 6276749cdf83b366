package outbox

import (
	"testing"
)

func TestPayloadValidateRequiresMatchingVariant(t *testing.T) {
	cases := []struct {
		name    string
		channel Channel
		payload Payload
		wantErr bool
	}{
		{"email ok", ChannelEmail, Payload{Email: &EmailPayload{Subject: "s", HTML: "<p>x</p>"}}, false},
		{"email missing subject", ChannelEmail, Payload{Email: &EmailPayload{HTML: "<p>x</p>"}}, true},
		{"email with template variant", ChannelEmail, Payload{Email: &EmailPayload{Subject: "s"}, Template: &TemplatePayload{Name: "t"}}, true},
		{"template ok", ChannelWhatsAppTemplate, Payload{Template: &TemplatePayload{Name: "booking_confirmation", Params: []string{"a"}}}, false},
		{"template missing name", ChannelWhatsAppTemplate, Payload{Template: &TemplatePayload{}}, true},
		{"template with text variant", ChannelWhatsAppTemplate, Payload{Template: &TemplatePayload{Name: "t"}, Text: &TextPayload{Body: "x"}}, true},
		{"text ok", ChannelWhatsAppText, Payload{Text: &TextPayload{Body: "hallo"}}, false},
		{"text empty body", ChannelWhatsAppText, Payload{Text: &TextPayload{}}, true},
		{"unknown channel", Channel("sms"), Payload{Text: &TextPayload{Body: "x"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate(tc.channel)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnqueueParamsValidate(t *testing.T) {
	valid := EnqueueParams{
		IdempotencyKey: "booking-1:email:confirmation",
		Channel:        ChannelEmail,
		Recipient:      "klant@example.com",
		Payload:        Payload{Email: &EmailPayload{Subject: "s", HTML: "<p>x</p>"}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	missingKey := valid
	missingKey.IdempotencyKey = ""
	if err := missingKey.Validate(); err == nil {
		t.Fatal("expected error for missing idempotency key")
	}

	missingRecipient := valid
	missingRecipient.Recipient = ""
	if err := missingRecipient.Validate(); err == nil {
		t.Fatal("expected error for missing recipient")
	}

	badChannel := valid
	badChannel.Channel = "pigeon"
	if err := badChannel.Validate(); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSent, StatusExhausted, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []Status{StatusQueued, StatusProcessing, StatusRetry}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
