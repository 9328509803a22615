package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBrokerType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    BrokerType
		wantErr bool
	}{
		{name: "valid uppercase", input: "UAZAPI", want: BrokerUazapi},
		{name: "valid lowercase with spaces", input: " evolution ", want: BrokerEvolution},
		{name: "baileys", input: "baileys", want: BrokerBaileys},
		{name: "invalid", input: "twilio", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseBrokerType(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseBrokerType() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseBrokerType() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseBrokerType() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectionStateInstanceStatus(t *testing.T) {
	t.Parallel()

	if got := ConnectionConnected.InstanceStatus(); got != InstanceConnected {
		t.Fatalf("CONNECTED -> %s, want connected", got)
	}
	if got := ConnectionConnecting.InstanceStatus(); got != InstanceConnecting {
		t.Fatalf("CONNECTING -> %s, want connecting", got)
	}
	if got := ConnectionState("weird").InstanceStatus(); got != InstanceDisconnected {
		t.Fatalf("unknown -> %s, want disconnected", got)
	}
}

func TestInstanceValidate(t *testing.T) {
	t.Parallel()

	valid := Instance{ID: "X", BrokerType: BrokerUazapi, AuthToken: "tok", Status: InstanceConnected}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	missingID := valid
	missingID.ID = " "
	if err := missingID.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}

	badBroker := valid
	badBroker.BrokerType = "OTHER"
	if err := badBroker.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation", err)
	}
}

func TestTextMessageRequestValidate(t *testing.T) {
	t.Parallel()

	base := TextMessageRequest{InstanceID: "X", To: "5511999999999", Text: "hello"}

	tests := []struct {
		name    string
		mutate  func(*TextMessageRequest)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *TextMessageRequest) {}},
		{name: "missing instance", mutate: func(r *TextMessageRequest) { r.InstanceID = "" }, wantErr: true},
		{name: "missing recipient", mutate: func(r *TextMessageRequest) { r.To = "" }, wantErr: true},
		{name: "blank text", mutate: func(r *TextMessageRequest) { r.Text = "   " }, wantErr: true},
		{name: "text over limit", mutate: func(r *TextMessageRequest) { r.Text = strings.Repeat("a", MaxTextContent+1) }, wantErr: true},
		{name: "rune-aware limit accepted", mutate: func(r *TextMessageRequest) { r.Text = strings.Repeat("ç", MaxTextContent) }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := base
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("Validate() error = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestMediaMessageRequestValidate(t *testing.T) {
	t.Parallel()

	req := MediaMessageRequest{InstanceID: "X", To: "5511", MediaType: MessageImage, URL: "https://cdn.example.com/a.png"}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	req.MediaType = MessageText
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for non-media type", err)
	}

	req.MediaType = MessageDocument
	req.URL = ""
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for missing url", err)
	}
}

func TestButtonsMessageRequestValidate(t *testing.T) {
	t.Parallel()

	req := ButtonsMessageRequest{
		InstanceID: "X",
		To:         "5511",
		Text:       "choose",
		Buttons:    []Button{{ID: "1", Text: "Yes"}, {ID: "2", Text: "No"}},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	req.Buttons = append(req.Buttons, Button{ID: "3", Text: "Maybe"}, Button{ID: "4", Text: "Later"})
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for too many buttons", err)
	}

	req.Buttons = nil
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for no buttons", err)
	}
}

func TestListMessageRequestValidate(t *testing.T) {
	t.Parallel()

	req := ListMessageRequest{
		InstanceID: "X",
		To:         "5511",
		Text:       "menu",
		ButtonText: "Open",
		Sections: []ListSection{
			{Title: "Plans", Rows: []ListRow{{ID: "a", Title: "Basic"}, {ID: "b", Title: "Pro"}}},
		},
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}

	req.Sections[0].Rows[1].Title = ""
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for empty row title", err)
	}

	req.Sections = []ListSection{{Title: "empty"}}
	if err := req.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("Validate() error = %v, want ErrValidation for section without rows", err)
	}
}
