package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gaoyangz77/easyclaw/config"
	"github.com/gaoyangz77/easyclaw/types"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := NewClient(&config.WeComConfig{
		CorpID:   "corp1",
		Secret:   "secret1",
		OpenKfID: "kf-test",
		BaseURL:  ts.URL,
	})
	return c, ts
}

func tokenHandler(calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		fmt.Fprint(w, `{"errcode":0,"access_token":"tok-1","expires_in":7200}`)
	}
}

func TestAccessTokenCached(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))

	c, ts := newTestClient(mux)
	defer ts.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			t.Fatalf("AccessToken() error = %v", err)
		}
		if tok != "tok-1" {
			t.Errorf("AccessToken() = %q", tok)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("gettoken called %d times, want 1", n)
	}
}

func TestSendText(t *testing.T) {
	var tokenCalls int32
	var gotPayload map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/kf/send_msg", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "tok-1" {
			t.Errorf("missing access_token in query")
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		fmt.Fprint(w, `{"errcode":0,"errmsg":"ok","msgid":"m1"}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	if err := c.SendText(context.Background(), "u1", "你好"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	if gotPayload["touser"] != "u1" || gotPayload["msgtype"] != "text" {
		t.Errorf("payload = %v", gotPayload)
	}
	if gotPayload["open_kfid"] != "kf-test" {
		t.Errorf("open_kfid = %v", gotPayload["open_kfid"])
	}
	text, _ := gotPayload["text"].(map[string]interface{})
	if text["content"] != "你好" {
		t.Errorf("text payload = %v", text)
	}
}

func TestSendTextAPIError(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/kf/send_msg", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errcode":95001,"errmsg":"invalid external_userid"}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	err := c.SendText(context.Background(), "bad-user", "hi")
	if err == nil {
		t.Fatal("SendText() expected error for non-zero errcode")
	}
	if types.KindOf(err) != types.KindUpstreamAPI {
		t.Errorf("error kind = %v, want upstream api", types.KindOf(err))
	}
}

func TestUploadMedia(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/media/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "image" {
			t.Errorf("type = %q, want image", r.URL.Query().Get("type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		file, header, err := r.FormFile("media")
		if err != nil {
			t.Fatalf("FormFile() error = %v", err)
		}
		defer file.Close()
		if header.Filename != "reply.png" {
			t.Errorf("filename = %q", header.Filename)
		}
		fmt.Fprint(w, `{"errcode":0,"media_id":"MEDIA123"}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	id, err := c.UploadMedia(context.Background(), "image", "reply.png", []byte("png-bytes"))
	if err != nil {
		t.Fatalf("UploadMedia() error = %v", err)
	}
	if id != "MEDIA123" {
		t.Errorf("media id = %q", id)
	}
}

func TestDownloadMediaJSONErrorBody(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/media/get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"errcode":40007,"errmsg":"invalid media_id"}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	_, _, err := c.DownloadMedia(context.Background(), "bad-id")
	if err == nil {
		t.Fatal("DownloadMedia() expected error for JSON error body")
	}
}

func TestDownloadMediaBinary(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/media/get", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("binary-png"))
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	data, mimeType, err := c.DownloadMedia(context.Background(), "mid")
	if err != nil {
		t.Fatalf("DownloadMedia() error = %v", err)
	}
	if string(data) != "binary-png" || mimeType != "image/png" {
		t.Errorf("DownloadMedia() = %q, %q", data, mimeType)
	}
}

func TestSyncMessages(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/kf/sync_msg", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		if payload["cursor"] != "cur-1" || payload["token"] != "cb-token" {
			t.Errorf("sync payload = %v", payload)
		}
		fmt.Fprint(w, `{
			"errcode": 0,
			"next_cursor": "cur-2",
			"msg_list": [
				{"msgid":"m1","open_kfid":"kf-test","external_userid":"u1","send_time":1700000000,"msgtype":"text","text":{"content":"hello"}},
				{"msgid":"m2","open_kfid":"kf-test","external_userid":"u1","msgtype":"image","image":{"media_id":"mid-1"}},
				{"msgid":"m3","msgtype":"event","event":{"event_type":"enter_session","open_kfid":"kf-test","external_userid":"u2","scene_param":"ab12cd34"}}
			]
		}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	msgs, next, err := c.SyncMessages(context.Background(), "cur-1", "cb-token")
	if err != nil {
		t.Fatalf("SyncMessages() error = %v", err)
	}
	if next != "cur-2" {
		t.Errorf("next cursor = %q, want cur-2", next)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}

	if msgs[0].MsgType != MsgTypeText || msgs[0].Content != "hello" || msgs[0].SendTime != 1700000000 {
		t.Errorf("text message = %+v", msgs[0])
	}
	if msgs[1].MsgType != MsgTypeImage || msgs[1].MediaID != "mid-1" {
		t.Errorf("image message = %+v", msgs[1])
	}
	ev := msgs[2]
	if ev.MsgType != MsgTypeEvent || ev.EventType != EventEnterSession ||
		ev.SceneParam != "ab12cd34" || ev.ExternalUserID != "u2" || ev.OpenKfID != "kf-test" {
		t.Errorf("event message = %+v", ev)
	}
}

func TestAddContactWay(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/kf/add_contact_way", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		if payload["scene"] != "ab12cd34" {
			t.Errorf("scene = %v", payload["scene"])
		}
		fmt.Fprint(w, `{"errcode":0,"url":"https://work.weixin.qq.com/kf/abc?scene_param=ab12cd34"}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	u, err := c.AddContactWay(context.Background(), "ab12cd34")
	if err != nil {
		t.Fatalf("AddContactWay() error = %v", err)
	}
	if u == "" {
		t.Error("AddContactWay() returned empty url")
	}
}

func TestEndSession(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", tokenHandler(&tokenCalls))
	mux.HandleFunc("/cgi-bin/kf/service_state/trans", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		if payload["external_userid"] != "u1" {
			t.Errorf("external_userid = %v", payload["external_userid"])
		}
		if payload["service_state"] != float64(4) {
			t.Errorf("service_state = %v, want 4", payload["service_state"])
		}
		fmt.Fprint(w, `{"errcode":0}`)
	})

	c, ts := newTestClient(mux)
	defer ts.Close()

	if err := c.EndSession(context.Background(), "u1"); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
}
