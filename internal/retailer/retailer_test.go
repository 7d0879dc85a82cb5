// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retailer

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderscan/ingestion/internal/content"
	"github.com/orderscan/ingestion/internal/models"
)

var received = time.Date(2024, time.July, 10, 9, 30, 0, 0, time.UTC)

func email(from, subject, html, text string) *models.ExtractedContent {
	c := &models.ExtractedContent{
		MessageID: "msg-1",
		From:      from,
		Subject:   subject,
		Date:      received,
		HTMLBody:  html,
		TextBody:  text,
	}
	c.Body = content.Text(c)
	return c
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Default()
	require.NoError(t, err)
	return r
}

const coolblueHTML = `<html><body>
<p>Hoi Arno, bedankt voor je bestelling!</p>
<p>Bestelnummer: 30129822</p>
<table>
<tr><td>1x</td><td>Philips Hue White E27</td><td>€ 19,99</td></tr>
<tr><td>2</td><td>HDMI kabel 2 meter</td><td>€ 14,99</td></tr>
<tr><td>Verzendkosten</td><td>Gratis</td></tr>
<tr><td>Totaal:</td><td>€ 49,98</td></tr>
</table>
<p>Verwachte levering: morgen</p>
</body></html>`

func TestCoolblueConfirmation(t *testing.T) {
	reg := defaultRegistry(t)
	e := email("Coolblue <klantenservice@coolblue.nl>", "✅ Je bestelling is gelukt, Arno!", coolblueHTML, "")

	p := reg.FindParser(e)
	require.NotNil(t, p)
	assert.Equal(t, "Coolblue", p.Name())

	got := p.Parse(e)
	require.True(t, got.IsOrder)
	assert.Equal(t, "30129822", got.OrderNumber)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("49.98")), got.Amount.String())
	assert.Equal(t, "EUR", got.Currency)
	assert.Equal(t, "Coolblue", got.Retailer)
	assert.Equal(t, models.StatusConfirmed, got.Status)
	assert.Equal(t, models.SourceParser, got.Source)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)

	require.Len(t, got.Items, 2)
	assert.Equal(t, "Philips Hue White E27", got.Items[0].Name)
	assert.Equal(t, 1, got.Items[0].Quantity)
	assert.Equal(t, "HDMI kabel 2 meter", got.Items[1].Name)
	assert.Equal(t, 2, got.Items[1].Quantity)
	require.NotNil(t, got.Items[1].Price)
	assert.True(t, got.Items[1].Price.Equal(decimal.RequireFromString("14.99")))

	require.NotNil(t, got.EstimatedDelivery)
	assert.Equal(t, time.Date(2024, time.July, 11, 0, 0, 0, 0, time.UTC), *got.EstimatedDelivery)
	require.NoError(t, got.Validate())
}

func TestShippingUpdateWithoutAmount(t *testing.T) {
	reg := defaultRegistry(t)
	e := email("bol.com <noreply@mail.bol.com>", "Je bestelling is verzonden", "",
		"Bestelnummer 1234567890. Je pakket komt met PostNL. Track & Trace: 3SBOL1234567890 Bezorging: dinsdag 16 juli")

	got := reg.FindParser(e).Parse(e)
	require.True(t, got.IsOrder)
	assert.Equal(t, "bol.com", got.Retailer)
	assert.Equal(t, "1234567890", got.OrderNumber)
	assert.True(t, got.Amount.IsZero())
	assert.Equal(t, "3SBOL1234567890", got.TrackingNumber)
	assert.Equal(t, "PostNL", got.Carrier)
	assert.Equal(t, models.StatusShipped, got.Status)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)
	require.NotNil(t, got.EstimatedDelivery)
	assert.Equal(t, 16, got.EstimatedDelivery.Day())
}

func TestAmazonItems(t *testing.T) {
	html := `<table>
<tr><td><a href="https://amazon.nl/dp/x">Anker USB-C oplader 20W</a><br>Aantal: 2<br>EUR 15,99</td></tr>
<tr><td>Totaal bestelling: EUR 31,98</td></tr>
</table><p>Bestelling #402-1234567-1234567</p>`
	reg := defaultRegistry(t)
	e := email("Amazon.nl <bestelling-update@amazon.nl>", "Je Amazon.nl-bestelling", html, "")

	got := reg.FindParser(e).Parse(e)
	require.True(t, got.IsOrder)
	assert.Equal(t, "Amazon", got.Retailer)
	assert.Equal(t, "402-1234567-1234567", got.OrderNumber)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("31.98")))
	require.Len(t, got.Items, 1)
	assert.Equal(t, "Anker USB-C oplader 20W", got.Items[0].Name)
	assert.Equal(t, 2, got.Items[0].Quantity)
	require.NotNil(t, got.Items[0].Price)
	assert.True(t, got.Items[0].Price.Equal(decimal.RequireFromString("15.99")))
}

func TestWeakMarkersLowerConfidence(t *testing.T) {
	reg := defaultRegistry(t)
	e := email("MediaMarkt <info@mediamarkt.nl>", "Je MediaMarkt aankoop", "",
		"Bedankt! Referentie #98765432. Je betaalde € 129,00 via iDEAL.")

	got := reg.FindParser(e).Parse(e)
	require.True(t, got.IsOrder)
	assert.Equal(t, "98765432", got.OrderNumber)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(129)))
	assert.InDelta(t, 0.75, got.Confidence, 1e-9)
}

func TestNonOrders(t *testing.T) {
	reg := defaultRegistry(t)

	tests := []struct {
		name string
		e    *models.ExtractedContent
	}{
		{"newsletter", email("Coolblue <nieuwsbrief@coolblue.nl>", "Nieuwsbrief: de beste deals van de week", "",
			"Bestelnummer 30129822 niet nodig. Nu € 99,00")},
		{"no order number", email("Coolblue <info@coolblue.nl>", "Je vraag aan de klantenservice", "",
			"Totaal: € 49,98")},
		{"no amount and no shipping", email("Coolblue <info@coolblue.nl>", "Je account", "",
			"Bestelnummer: 30129822")},
		{"meal delivery", email("Thuisbezorgd.nl <info@thuisbezorgd.nl>", "Bedankt voor je bestelling", "",
			"Bestelnummer: ABC12345 Totaal € 23,50")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := reg.FindParser(tt.e)
			require.NotNil(t, p)
			got := p.Parse(tt.e)
			assert.False(t, got.IsOrder)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestRegistryResolution(t *testing.T) {
	reg := defaultRegistry(t)
	assert.Equal(t, 7, reg.Len())
	assert.Equal(t, "Coolblue", reg.List()[0].Name)

	byKeyword := email("Service <noreply@mailer.example>", "Update over je Zalando bestelling", "", "")
	c := reg.Classify(byKeyword)
	assert.Equal(t, "Zalando", c.Retailer)
	assert.InDelta(t, 0.6, c.Confidence, 1e-9)
	assert.NotNil(t, c.Parser)

	byDomain := email("IKEA <noreply@ikea.com>", "Je bestelling", "", "")
	c = reg.Classify(byDomain)
	assert.Equal(t, "IKEA", c.Retailer)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)

	fuzzy := email("Coolblu <noreply@mailer.example>", "Je bestelling", "", "")
	c = reg.Classify(fuzzy)
	assert.Equal(t, "Coolblue", c.Retailer)
	assert.InDelta(t, 0.875*0.7, c.Confidence, 1e-9)
	assert.Nil(t, c.Parser)

	unknown := email("Someone <hi@unknown.example>", "Hallo", "", "")
	c = reg.Classify(unknown)
	assert.Empty(t, c.Retailer)
	assert.Zero(t, c.Confidence)
	assert.Nil(t, reg.FindParser(unknown))
}

func TestFirstMatchWins(t *testing.T) {
	a := NewRuleParser(Rules{Name: "First", SubjectKeywords: []string{"shop"}})
	b := NewRuleParser(Rules{Name: "Second", SubjectKeywords: []string{"shop"}})
	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	p := reg.FindParser(email("x@y.example", "Your shop order", "", ""))
	require.NotNil(t, p)
	assert.Equal(t, "First", p.Name())
}

func TestDuplicateParser(t *testing.T) {
	_, err := NewRegistry(NewRuleParser(Rules{Name: "Shop"}), NewRuleParser(Rules{Name: "shop"}))
	assert.ErrorIs(t, err, ErrDuplicateParser)
}

func TestDefaultExtensions(t *testing.T) {
	reg, err := Default(
		Extension{Name: "coolblue", Domains: []string{"coolblue-mail.nl"}},
		Extension{Name: "Wehkamp", Domains: []string{"wehkamp.nl"}},
	)
	require.NoError(t, err)
	assert.Equal(t, 8, reg.Len())

	p := reg.FindParser(email("x <a@coolblue-mail.nl>", "", "", ""))
	require.NotNil(t, p)
	assert.Equal(t, "Coolblue", p.Name())

	e := email("Wehkamp <service@wehkamp.nl>", "Bedankt voor je bestelling", "", "Ordernummer: 55512345 Totaal € 80,00")
	got := reg.FindParser(e).Parse(e)
	require.True(t, got.IsOrder)
	assert.Equal(t, "Wehkamp", got.Retailer)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
}

func TestDetectStatus(t *testing.T) {
	tests := []struct {
		subject, body string
		want          models.OrderStatus
	}{
		{"Je bestelling is geannuleerd", "", models.StatusCancelled},
		{"Your order has been delivered", "", models.StatusDelivered},
		{"Je pakket is onderweg", "", models.StatusShipped},
		{"Orderbevestiging", "Je pakket wordt morgen bezorgd", models.StatusConfirmed},
		{"Update", "Je bestelling is verzonden", models.StatusShipped},
		{"Hallo", "Niets aan de hand", models.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectStatus(tt.subject, tt.body))
		})
	}
}

func TestFindTracking(t *testing.T) {
	tests := []struct {
		text, number, carrier string
	}{
		{"Volg je pakket: 3SCOOL123456789", "3SCOOL123456789", "PostNL"},
		{"UPS tracking 1Z999AA10123456784", "1Z999AA10123456784", "UPS"},
		{"Je DHL zending JVGL0123456789012345", "JVGL0123456789012345", "DHL"},
		{"Verzonden met DPD, pakketnummer 01234567890123", "01234567890123", "DPD"},
		{"Trackingnummer: ab12cd34ef via budbee", "AB12CD34EF", "Budbee"},
		{"Geen tracking hier", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			n, c := FindTracking(tt.text)
			assert.Equal(t, tt.number, n)
			assert.Equal(t, tt.carrier, c)
		})
	}
}

func TestParserSafety(t *testing.T) {
	reg := defaultRegistry(t)
	properties := gopter.NewProperties(nil)

	properties.Property("parse never yields an invalid order", prop.ForAll(
		func(subject, body string) bool {
			e := &models.ExtractedContent{Subject: subject, Body: body, HTMLBody: body, Date: received}
			for _, info := range reg.List() {
				p := NewRuleParser(Rules{Name: info.Name, Domains: info.Domains})
				got := p.Parse(e)
				if got.Validate() != nil {
					return false
				}
				if got.IsOrder && got.OrderNumber == "" {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.OneGenOf(gen.AnyString(), gen.Const("Bestelnummer: 12345678 Totaal € 12,50 <tr><td>1x</td><td>x</td><td>€ 1,00</td></tr>")),
	))

	properties.TestingRun(t)
}
