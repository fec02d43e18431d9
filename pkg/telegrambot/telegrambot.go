// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package telegrambot is a chat front end for the road classifier: users send photos of the road,
// optionally after sharing their location, and get back the classification. Every classified photo
// is stored as a report.
package telegrambot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gomlx/potholes/pkg/classifier"
	"github.com/gomlx/potholes/pkg/dataset"
	"github.com/gomlx/potholes/pkg/reports"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	msgStart = `Hi! I recognize potholes in photos of the road.

Share your location, so reports can be placed on the map, and then send me a photo of the road.

Commands:
/help - how to use the bot`

	msgHelp = `How to use the bot:

1. Share your location (optional).
2. Send a photo of the road.
3. You get the classification, e.g. "pothole (87.50%%)".

Classes: %s`

	msgSendPhoto       = "Please send a photo of the road."
	msgUnknownCommand  = "Unknown command. Use /help."
	msgLocationSaved   = "Location saved, now send a photo of the road."
	msgProcessingError = "Could not read the image, please try another photo."
	msgInternalError   = "Sorry, something went wrong. Please try again later."
)

// API is the subset of the Telegram Bot API used, implemented by *tgbotapi.BotAPI.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type location struct {
	latitude, longitude float64
}

// Bot answers photos with their classification.
type Bot struct {
	api       API
	predictor classifier.Predictor
	store     *reports.Store
	client    *http.Client

	// OnReport, if set, is called for every stored report.
	OnReport func(report *reports.Report)

	mu        sync.Mutex
	locations map[int64]location // Last location shared, per chat.
}

// New connects to Telegram with the given token. store can be nil, in which case reports are not saved.
func New(token string, predictor classifier.Predictor, store *reports.Store) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Telegram")
	}
	klog.Infof("Authorized on Telegram account %s", api.Self.UserName)
	return NewWithAPI(api, predictor, store), nil
}

// NewWithAPI creates a Bot using the given API implementation.
func NewWithAPI(api API, predictor classifier.Predictor, store *reports.Store) *Bot {
	return &Bot{
		api:       api,
		predictor: predictor,
		store:     store,
		client:    &http.Client{Timeout: 30 * time.Second},
		locations: make(map[int64]location),
	}
}

// Run processes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				b.HandleMessage(ctx, update.Message)
			}
		}
	}
}

// HandleMessage processes one incoming message.
func (b *Bot) HandleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch {
	case msg.IsCommand():
		b.handleCommand(msg)
	case msg.Location != nil:
		b.mu.Lock()
		b.locations[chatID] = location{latitude: msg.Location.Latitude, longitude: msg.Location.Longitude}
		b.mu.Unlock()
		b.sendMessage(chatID, msgLocationSaved)
	case len(msg.Photo) > 0:
		b.handlePhoto(ctx, msg)
	default:
		b.sendMessage(chatID, msgSendPhoto)
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		b.sendMessage(msg.Chat.ID, msgStart)
	case "help":
		b.sendMessage(msg.Chat.ID, fmt.Sprintf(msgHelp, b.predictor.ClassNames()))
	default:
		b.sendMessage(msg.Chat.ID, msgUnknownCommand)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	// Photos come in several sizes, the last one is the largest.
	photo := msg.Photo[len(msg.Photo)-1]
	contents, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		klog.Errorf("Error downloading photo from chat %d: %+v", chatID, err)
		b.sendMessage(chatID, msgInternalError)
		return
	}
	img, err := dataset.Decode(bytes.NewReader(contents))
	if err != nil {
		klog.Warningf("Could not read photo from chat %d: %v", chatID, err)
		b.sendMessage(chatID, msgProcessingError)
		return
	}
	pred, err := b.predictor.Predict(img)
	if err != nil {
		klog.Errorf("Failed to classify photo from chat %d: %+v", chatID, err)
		b.sendMessage(chatID, msgInternalError)
		return
	}
	b.sendMessage(chatID, pred.String())

	if b.store == nil {
		return
	}
	report := &reports.Report{
		Class:      pred.Class,
		Confidence: pred.Confidence,
		Source:     "telegram",
	}
	if msg.Date != 0 {
		report.ClientTimestamp = time.Unix(int64(msg.Date), 0)
	}
	b.mu.Lock()
	if loc, found := b.locations[chatID]; found {
		report.Latitude, report.Longitude = loc.latitude, loc.longitude
	}
	b.mu.Unlock()
	if err = b.store.Insert(ctx, report); err != nil {
		klog.Errorf("Failed to store report from chat %d: %+v", chatID, err)
		return
	}
	if b.OnReport != nil {
		b.OnReport(report)
	}
}

// downloadFile downloads a file from Telegram.
func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download file: status %s", resp.Status)
	}
	contents, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return contents, nil
}

func (b *Bot) sendMessage(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		klog.Warningf("Error sending message to chat %d: %v", chatID, err)
	}
}
