package persona

import (
	"strings"
	"testing"
)

const validDoc = `
apiVersion: kaiwa/v1
metadata:
  name: haruka
  owner: "@vasile:example.org"
  description: a friendly conversational companion
seed: |
  You are Haruka, a warm and curious conversational partner.
model:
  name: gpt-4o-mini
  temperature: 0.8
delivery:
  maxDelaySeconds: 8
`

func TestParse_ValidDocument(t *testing.T) {
	doc, err := Parse([]byte(validDoc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.APIVersion != SpecVersion {
		t.Errorf("APIVersion = %q, want %q", doc.APIVersion, SpecVersion)
	}
	if doc.Metadata.Name != "haruka" {
		t.Errorf("Metadata.Name = %q, want haruka", doc.Metadata.Name)
	}
	if !strings.Contains(doc.Seed, "Haruka") {
		t.Errorf("Seed = %q, expected seed text", doc.Seed)
	}
	if doc.Model.Temperature != 0.8 {
		t.Errorf("Model.Temperature = %v, want 0.8", doc.Model.Temperature)
	}
	if doc.Delivery.MaxDelaySeconds != 8 {
		t.Errorf("Delivery.MaxDelaySeconds = %d, want 8", doc.Delivery.MaxDelaySeconds)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			"wrong apiVersion",
			"apiVersion: kaiwa/v2\nmetadata:\n  name: x\nseed: hi\n",
		},
		{
			"missing seed",
			"apiVersion: kaiwa/v1\nmetadata:\n  name: x\n",
		},
		{
			"blank seed",
			"apiVersion: kaiwa/v1\nmetadata:\n  name: x\nseed: \"  \"\n",
		},
		{
			"missing metadata name",
			"apiVersion: kaiwa/v1\nmetadata:\n  owner: y\nseed: hi\n",
		},
		{
			"temperature out of range",
			"apiVersion: kaiwa/v1\nmetadata:\n  name: x\nseed: hi\nmodel:\n  temperature: 3.5\n",
		},
		{
			"delay above cap",
			"apiVersion: kaiwa/v1\nmetadata:\n  name: x\nseed: hi\ndelivery:\n  maxDelaySeconds: 30\n",
		},
		{
			"unknown field",
			"apiVersion: kaiwa/v1\nmetadata:\n  name: x\nseed: hi\nbogus: true\n",
		},
		{
			"not yaml",
			"{{{{",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Errorf("Parse() accepted invalid document")
			}
		})
	}
}
