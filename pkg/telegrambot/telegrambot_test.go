// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telegrambot

import (
	"context"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gomlx/potholes/internal/imagetest"
	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/reports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedPredictor struct{}

func (fixedPredictor) ClassNames() []string { return []string{"normal", "pothole"} }

func (p fixedPredictor) Predict(image.Image) (*classifier.Prediction, error) {
	return classifier.NewPrediction([]float64{0.125, 0.875}, p.ClassNames())
}

// fakeAPI records the messages sent and serves files from fileServer.
type fakeAPI struct {
	fileServer *httptest.Server

	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) GetFileDirectURL(fileID string) (string, error) {
	return f.fileServer.URL + "/" + fileID, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) lastText(t *testing.T) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].Text
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *reports.Store) {
	jpeg := imagetest.EncodeJPEG(t, imagetest.Gradient(32, 32, imagetest.ClassColor(1), 20))
	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/road.jpg":
			_, _ = w.Write(jpeg)
		case "/broken.jpg":
			_, _ = w.Write([]byte("this is not an image"))
		default:
			http.NotFound(w, r)
		}
	}))
	store, err := reports.Open(filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		fileServer.Close()
		_ = store.Close()
	})
	api := &fakeAPI{fileServer: fileServer}
	return NewWithAPI(api, fixedPredictor{}, store), api, store
}

func command(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}
}

func photo(chatID int64, fileID string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: chatID},
		Date:  1744713000,
		Photo: []tgbotapi.PhotoSize{{FileID: "thumbnail.jpg", Width: 90}, {FileID: fileID, Width: 800}},
	}
}

func TestCommands(t *testing.T) {
	bot, api, _ := newTestBot(t)
	ctx := context.Background()
	bot.HandleMessage(ctx, command(1, "/start"))
	assert.Contains(t, api.lastText(t), "send me a photo")
	bot.HandleMessage(ctx, command(1, "/help"))
	assert.Contains(t, api.lastText(t), "[normal pothole]")
	bot.HandleMessage(ctx, command(1, "/unknown"))
	assert.Equal(t, msgUnknownCommand, api.lastText(t))
	bot.HandleMessage(ctx, &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "hello"})
	assert.Equal(t, msgSendPhoto, api.lastText(t))
}

func TestPhoto(t *testing.T) {
	bot, api, store := newTestBot(t)
	ctx := context.Background()
	var published []*reports.Report
	bot.OnReport = func(r *reports.Report) { published = append(published, r) }

	bot.HandleMessage(ctx, &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: 7},
		Location: &tgbotapi.Location{Latitude: 40.7128, Longitude: -74.006},
	})
	assert.Equal(t, msgLocationSaved, api.lastText(t))

	bot.HandleMessage(ctx, photo(7, "road.jpg"))
	assert.Equal(t, "pothole (87.50%)", api.lastText(t))
	require.Len(t, published, 1)

	list, err := store.List(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pothole", list[0].Class)
	assert.Equal(t, "telegram", list[0].Source)
	assert.InDelta(t, 40.7128, list[0].Latitude, 1e-9)
	assert.InDelta(t, -74.006, list[0].Longitude, 1e-9)
	assert.Equal(t, int64(1744713000), list[0].ClientTimestamp.Unix())

	// Other chats don't share the location.
	bot.HandleMessage(ctx, photo(8, "road.jpg"))
	list, err = store.List(ctx, reports.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Zero(t, list[0].Latitude)
}

func TestPhotoErrors(t *testing.T) {
	bot, api, store := newTestBot(t)
	ctx := context.Background()
	bot.HandleMessage(ctx, photo(1, "broken.jpg"))
	assert.Equal(t, msgProcessingError, api.lastText(t))
	bot.HandleMessage(ctx, photo(1, "missing.jpg"))
	assert.Equal(t, msgInternalError, api.lastText(t))

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestRun(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, bot.Run(ctx))
}
