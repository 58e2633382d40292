package masking

import "testing"

func TestPhoneRedactsAllButLastFourDigits(t *testing.T) {
	m := New(true)
	got := m.Phone("+79991234567")
	want := "***4567"
	if got != want {
		t.Fatalf("Phone() = %q, want %q", got, want)
	}
}

func TestPhoneDisabledReturnsUnchanged(t *testing.T) {
	m := New(false)
	phone := "+79991234567"
	if got := m.Phone(phone); got != phone {
		t.Fatalf("Phone() with masking disabled = %q, want unchanged %q", got, phone)
	}
}

func TestNameRedactsToInitials(t *testing.T) {
	m := New(true)
	got := m.Name("Jane Doe")
	want := "J.D."
	if got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}

func TestTextRedactsEmbeddedPhoneNumbers(t *testing.T) {
	m := New(true)
	got := m.Text("contact at +7 999 123 45 67 failed")
	if got == "contact at +7 999 123 45 67 failed" {
		t.Fatal("Text() did not redact an embedded phone number")
	}
}

func TestEmptyInputsAreNoops(t *testing.T) {
	m := New(true)
	if got := m.Phone(""); got != "" {
		t.Fatalf("Phone(\"\") = %q, want \"\"", got)
	}
	if got := m.Name(""); got != "" {
		t.Fatalf("Name(\"\") = %q, want \"\"", got)
	}
}

func TestSetEnabledTakesEffectImmediately(t *testing.T) {
	m := New(false)
	phone := "+79991234567"
	if got := m.Phone(phone); got != phone {
		t.Fatalf("Phone() with masking disabled = %q, want unchanged %q", got, phone)
	}

	m.SetEnabled(true)
	if got, want := m.Phone(phone), "***4567"; got != want {
		t.Fatalf("Phone() after SetEnabled(true) = %q, want %q", got, want)
	}

	m.SetEnabled(false)
	if got := m.Phone(phone); got != phone {
		t.Fatalf("Phone() after SetEnabled(false) = %q, want unchanged %q", got, phone)
	}
}
