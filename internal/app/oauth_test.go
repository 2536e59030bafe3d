package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/oauth2"

	"github.com/semmidev/dbvault/internal/infrastructure/logger"
)

func TestDriveAuth(t *testing.T) {
	Convey("Given a consent flow against a fake token endpoint", t, func() {
		tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"access","refresh_token":"refresh-123","token_type":"Bearer","expires_in":3600}`)
		}))
		defer tokenServer.Close()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		So(err, ShouldBeNil)

		auth := newDriveAuth(&oauth2.Config{
			ClientID:     "client",
			ClientSecret: "secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://accounts.example.test/auth",
				TokenURL:  tokenServer.URL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}, ln, logger.Nop())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		type result struct {
			token *oauth2.Token
			err   error
		}
		done := make(chan result, 1)
		go func() {
			token, err := auth.Run(ctx)
			done <- result{token, err}
		}()

		callback := func(state, code string) *http.Response {
			q := url.Values{"state": {state}, "code": {code}}
			var resp *http.Response
			var err error
			for i := 0; i < 50; i++ {
				resp, err = http.Get("http://" + ln.Addr().String() + callbackPath + "?" + q.Encode())
				if err == nil {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			So(err, ShouldBeNil)
			return resp
		}

		Convey("The auth URL requests offline access", func() {
			u, err := url.Parse(auth.AuthCodeURL())
			So(err, ShouldBeNil)
			So(u.Query().Get("access_type"), ShouldEqual, "offline")
			So(u.Query().Get("redirect_uri"), ShouldEqual, "http://"+ln.Addr().String()+callbackPath)
			cancel()
			So((<-done).err, ShouldEqual, context.Canceled)
		})

		Convey("A forged state is rejected", func() {
			resp := callback("forged", "code")
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			cancel()
			<-done
		})

		Convey("A valid callback yields the refresh token", func() {
			resp := callback(auth.state, "code")
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(string(body), ShouldContainSubstring, "Authorized")

			res := <-done
			So(res.err, ShouldBeNil)
			So(res.token.RefreshToken, ShouldEqual, "refresh-123")
		})
	})
}
