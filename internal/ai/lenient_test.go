package ai

import "testing"

func TestParseLenient_CleanObject(t *testing.T) {
	res := ParseLenient(`{"intent": "greeting", "confidence": 0.9, "urgent": false}`)
	if res.Status != ParseOK {
		t.Fatalf("status = %v, want ParseOK", res.Status)
	}
	if v, ok := res.String("intent"); !ok || v != "greeting" {
		t.Errorf("intent = %q, %v", v, ok)
	}
	if v, ok := res.Number("confidence"); !ok || v != 0.9 {
		t.Errorf("confidence = %v, %v", v, ok)
	}
	if v, ok := res.Bool("urgent"); !ok || v != false {
		t.Errorf("urgent = %v, %v", v, ok)
	}
}

func TestParseLenient_MarkdownFences(t *testing.T) {
	raw := "```json\n{\"mood\": \"happy\"}\n```"
	res := ParseLenient(raw)
	if res.Status != ParseOK {
		t.Fatalf("status = %v, want ParseOK", res.Status)
	}
	if v, _ := res.String("mood"); v != "happy" {
		t.Errorf("mood = %q", v)
	}
}

func TestParseLenient_LeadingProse(t *testing.T) {
	res := ParseLenient(`Sure! Here is the analysis: {"intent": "ack"}`)
	if res.Status != ParseOK {
		t.Fatalf("status = %v, want ParseOK", res.Status)
	}
	if v, _ := res.String("intent"); v != "ack" {
		t.Errorf("intent = %q", v)
	}
}

func TestParseLenient_Truncated(t *testing.T) {
	res := ParseLenient(`{"has_commitment": true, "description": "send the inv`)
	if res.Status != ParsePartial {
		t.Fatalf("status = %v, want ParsePartial", res.Status)
	}
	if v, ok := res.Bool("has_commitment"); !ok || !v {
		t.Error("has_commitment should survive truncation")
	}
	if _, ok := res.String("description"); ok {
		t.Error("truncated string value should be absent, not mangled")
	}
}

func TestParseLenient_TruncatedAfterComplete(t *testing.T) {
	res := ParseLenient(`{"intent": "schedule", "in_minutes": 30, "text": "call ba`)
	if res.Status != ParsePartial {
		t.Fatalf("status = %v, want ParsePartial", res.Status)
	}
	if v, _ := res.String("intent"); v != "schedule" {
		t.Errorf("intent = %q", v)
	}
	if v, ok := res.Number("in_minutes"); !ok || v != 30 {
		t.Errorf("in_minutes = %v, %v", v, ok)
	}
}

func TestParseLenient_Garbage(t *testing.T) {
	for _, raw := range []string{"", "no json here", "[1, 2, 3]"} {
		if res := ParseLenient(raw); res.Status != ParseFailed {
			t.Errorf("ParseLenient(%q).Status = %v, want ParseFailed", raw, res.Status)
		}
	}
}

func TestParseLenient_MissingKeyAccessors(t *testing.T) {
	res := ParseLenient(`{"a": 1}`)
	if _, ok := res.String("missing"); ok {
		t.Error("String on missing key should report absent")
	}
	if _, ok := res.Bool("a"); ok {
		t.Error("Bool on a number should report absent")
	}
}
