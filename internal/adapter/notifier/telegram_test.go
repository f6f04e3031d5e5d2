package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/sitekeeper/internal/config"
)

type botAPI struct {
	mu   sync.Mutex
	sent []string
}

func (b *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"keeper","username":"keeper_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		r.ParseForm()
		b.mu.Lock()
		b.sent = append(b.sent, r.PostForm.Get("chat_id")+"|"+r.PostForm.Get("text"))
		b.mu.Unlock()
		w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	default:
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func TestTelegram(t *testing.T) {
	Convey("Given a Bot API server", t, func() {
		api := &botAPI{}
		srv := httptest.NewServer(api)
		defer srv.Close()

		cfg := config.TelegramConfig{
			Enabled:     true,
			BotToken:    "123:abc",
			ChatID:      "42",
			APIEndpoint: srv.URL + "/bot%s/%s",
		}

		Convey("When sending a notification", func() {
			tg, err := NewTelegram(cfg, "example.com")
			So(err, ShouldBeNil)

			err = tg.Notify(context.Background(), "Scheduled backup failed: disk full")

			Convey("It should post the prefixed text to the chat", func() {
				So(err, ShouldBeNil)
				So(len(api.sent), ShouldEqual, 1)
				So(api.sent[0], ShouldStartWith, "42|")
				So(api.sent[0], ShouldContainSubstring, "example.com")
				So(api.sent[0], ShouldContainSubstring, "disk full")
			})
		})

		Convey("When the context is already cancelled", func() {
			tg, err := NewTelegram(cfg, "")
			So(err, ShouldBeNil)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Convey("It should not send anything", func() {
				So(tg.Notify(ctx, "late"), ShouldNotBeNil)
				So(api.sent, ShouldBeEmpty)
			})
		})

		Convey("When the chat id is not numeric", func() {
			cfg.ChatID = "@channel"
			_, err := NewTelegram(cfg, "")

			Convey("It should be rejected", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "invalid telegram chat id")
			})
		})
	})
}
