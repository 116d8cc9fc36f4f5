package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/Gatherly/internal/core"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List active rooms on the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		rooms, err := fetchRooms(ctx, http.DefaultClient, viper.GetString(keyServer))
		if err != nil {
			return err
		}
		if len(rooms) == 0 {
			fmt.Println(mutedStyle.Render("no active rooms"))
			return nil
		}
		renderRooms(os.Stdout, rooms)
		return nil
	},
}

func fetchRooms(ctx context.Context, c *http.Client, server string) ([]core.RoomInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/api/rooms", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: unexpected status %s", resp.Status)
	}
	var body struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return body.Rooms, nil
}
