package crmclient

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalcrm/synccore/pkg/config"
)

func testConfig(url string) config.CRMConfig {
	return config.CRMConfig{
		WebhookURL:  url,
		MaxRetries:  3,
		RetryDelays: []config.Duration{config.Duration(0)},
		RateLimit:   1000,
		CallTimeout: config.Duration(0),
	}
}

func TestBatchEmptyInputMakesNoCalls(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(testConfig(server.URL))

	contacts, err := client.BatchFindContactsByPhones(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, contacts)

	deals, err := client.BatchFindDealsByExternalIDs(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, deals)

	leads, err := client.BatchFindLeadsByContactIDs(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, leads)

	leadsByPhone, err := client.BatchFindLeadsByPhones(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, leadsByPhone)

	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestCreateDealRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"deal-1","external_id":"F1_42"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))

	deal, err := client.CreateDeal(t.Context(), DealFields{ExternalID: "F1_42"})

	require.NoError(t, err)
	assert.Equal(t, "deal-1", deal.ID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestCircuitOpenCallbackFiresOnTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	var opened int32
	client.SetOnCircuitOpen(func() { atomic.AddInt32(&opened, 1) })

	for i := 0; i < 2; i++ {
		_, _ = client.CreateDeal(t.Context(), DealFields{ExternalID: "F1_42"})
	}

	assert.Greater(t, atomic.LoadInt32(&opened), int32(0), "circuit breaker must notify once it trips open")
}

func TestSetRetryDelaysAndRateLimitDoNotPanic(t *testing.T) {
	client := New(testConfig("http://example.invalid"))
	client.SetRetryDelays(nil)
	client.SetRetryDelays([]time.Duration{time.Millisecond})
	client.SetRateLimit(5)
}

func TestCreateContactSplitsFullNameAndPostsPhone(t *testing.T) {
	var gotBody []byte
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"contact-9","phone":"+79990001122","first_name":"Jane","last_name":"Doe"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))

	contact, err := client.CreateContact(t.Context(), "+79990001122", "Jane Doe")

	require.NoError(t, err)
	assert.Equal(t, "/contacts", gotPath)
	assert.JSONEq(t, `{"phone":"+79990001122","first_name":"Jane","last_name":"Doe"}`, string(gotBody))
	assert.Equal(t, "contact-9", contact.ID)
}

func TestSplitNameHandlesMissingOrSingleWordNames(t *testing.T) {
	first, last := splitName("")
	assert.Empty(t, first)
	assert.Empty(t, last)

	first, last = splitName("Cher")
	assert.Equal(t, "Cher", first)
	assert.Empty(t, last)

	first, last = splitName("Jane Doe Smith")
	assert.Equal(t, "Jane", first)
	assert.Equal(t, "Doe Smith", last)
}

func TestCreateDealDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid custom field"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))

	_, err := client.CreateDeal(t.Context(), DealFields{ExternalID: "F1_42"})

	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}
