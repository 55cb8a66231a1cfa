package statedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// legacyBridgeConfig mirrors the JSON file written by the original plugin
// bridge (~/.config/opencode/telegram-bridge.json).
type legacyBridgeConfig struct {
	BotToken     string `json:"botToken"`
	ChatID       int64  `json:"chatId"`
	LastUpdateID int64  `json:"lastUpdateId,omitempty"`
}

// MigrateFromJSON imports the Telegram update offset from a legacy plugin
// config so the first poll does not replay old messages. It runs once per
// database: later calls are no-ops. Returns the imported offset and whether
// an import happened. A missing file is not an error.
func MigrateFromJSON(jsonPath string, db *StateDB) (int64, bool, error) {
	done, err := db.GetMeta(metaLegacyImported)
	if err != nil {
		return 0, false, fmt.Errorf("read legacy marker: %w", err)
	}
	if done != "" {
		return 0, false, nil
	}

	data, err := os.ReadFile(jsonPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read json: %w", err)
	}

	var legacy legacyBridgeConfig
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, false, fmt.Errorf("parse json: %w", err)
	}

	if legacy.LastUpdateID > 0 {
		if err := db.SetTelegramOffset(legacy.LastUpdateID); err != nil {
			return 0, false, err
		}
	}
	if err := db.SetMeta(metaLegacyImported, strconv.FormatInt(time.Now().Unix(), 10)); err != nil {
		return 0, false, fmt.Errorf("write legacy marker: %w", err)
	}
	return legacy.LastUpdateID, true, nil
}
