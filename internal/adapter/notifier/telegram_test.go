package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	. "github.com/smartystreets/goconvey/convey"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
)

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegram(t *testing.T) {
	Convey("Given a telegram notifier", t, func() {
		bot := &fakeBot{}
		n := newTelegram(bot, 1234, appconfig.TelegramConfig{OnSuccess: false, OnFailure: true})
		ctx := context.Background()

		success := domain.Event{
			Kind:     domain.JobBackup,
			Database: "shop",
			Target:   "s3",
			Artifact: domain.Artifact{ID: "backup_postgres_shop_20240102_030405.gz", Size: 3 * 1024 * 1024},
			Duration: 90 * time.Second,
		}

		Convey("Successes are dropped when on_success is off", func() {
			So(n.Notify(ctx, success), ShouldBeNil)
			So(bot.sent, ShouldBeEmpty)
		})

		Convey("Failures are sent to the chat", func() {
			failure := success
			failure.Err = errors.New("pg_dump exited with code 1")
			So(n.Notify(ctx, failure), ShouldBeNil)
			So(bot.sent, ShouldHaveLength, 1)

			msg := bot.sent[0].(tgbotapi.MessageConfig)
			So(msg.ChatID, ShouldEqual, int64(1234))
			So(msg.Text, ShouldContainSubstring, "Backup Failed")
			So(msg.Text, ShouldContainSubstring, "pg_dump exited with code 1")
		})

		Convey("Send errors are wrapped", func() {
			bot.err = errors.New("boom")
			failure := success
			failure.Err = errors.New("x")
			err := n.Notify(ctx, failure)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to send telegram notification")
		})
	})

	Convey("formatEvent", t, func() {
		text := formatEvent(domain.Event{
			Kind:     domain.JobRestore,
			Database: "events",
			Target:   "local",
			Artifact: domain.Artifact{ID: "backup_mongo_events_20240102_030405.gz", Size: 1024 * 1024},
			Duration: 2 * time.Second,
		})
		So(text, ShouldStartWith, "✅ Restore Completed")
		So(text, ShouldContainSubstring, "Size: 1.00 MB")
		So(text, ShouldContainSubstring, "Duration: 2s")
	})

	Convey("NewTelegram rejects a non-numeric chat id", t, func() {
		_, err := NewTelegram(appconfig.TelegramConfig{BotToken: "t", ChatID: "@channel"})
		So(domain.IsType(err, domain.ErrorTypeConfig), ShouldBeTrue)
	})
}
