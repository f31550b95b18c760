package pccg

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

func newHTTPClient() *resty.Client {
	client := resty.New()
	client.SetHeader("user-agent", userAgent)
	client.SetTimeout(30 * time.Second)
	return client
}

// fetch retrieves the category page. Transport failures and non-2xx statuses
// both surface as *watch.FetchError.
func (p *Plugin) fetch(ctx context.Context, url string) (string, error) {
	resp, err := p.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", &watch.FetchError{URL: url, Err: err}
	}
	if resp.StatusCode()/100 != 2 {
		return "", &watch.FetchError{URL: url, Status: resp.StatusCode()}
	}
	p.log.Debug("fetched", logx.String("url", url), logx.Int("status", resp.StatusCode()), logx.Int("bytes", len(resp.Body())))
	return string(resp.Body()), nil
}

// parse extracts the product listing from the category page DOM.
//
// Zero parsed items normally means the page layout changed or the site served
// an error shell, so it is a *watch.ParseError. Topics with allowEmpty set
// treat an empty listing as a legitimate state instead.
func (p *Plugin) parse(page string, allowEmpty bool) (snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return nil, &watch.ParseError{Reason: "invalid html", Err: err}
	}

	state := snapshot{}
	doc.Find("ul.media-list > li").Each(func(_ int, card *goquery.Selection) {
		name := strings.TrimSpace(card.Find("a").Text())
		if name == "" {
			return
		}
		link, _ := card.Find("a").First().Attr("href")
		status := strings.TrimSpace(card.Find("button").Text())

		price := -1
		// Price renders like "$1099"; drop the dollar sign before converting.
		priceText := strings.TrimSpace(card.Find("h3").First().Text())
		if v, err := strconv.Atoi(strings.TrimPrefix(priceText, "$")); err == nil {
			price = v
		} else {
			p.log.Warn("price not an int, defaulting to -1", logx.String("name", name), logx.String("price", priceText))
		}

		low := strings.ToLower(status)
		if low != "in stock" && low != "sold out" {
			p.log.Error("unknown status for card", logx.String("name", name), logx.String("status", status))
		}

		state[name] = Product{Name: name, Link: strings.TrimSpace(link), Status: status, Price: price}
	})

	if len(state) == 0 && !allowEmpty {
		return nil, &watch.ParseError{Reason: "no products parsed, page layout may have changed"}
	}
	return state, nil
}
