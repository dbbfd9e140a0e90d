// Command userlist prints every user with their presence, as the contact
// list shows it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/pliu/duet/internal/models"
	"github.com/pliu/duet/internal/presence"
	"github.com/pliu/duet/internal/store"
	"github.com/pliu/duet/internal/store/backend"
	"github.com/samber/lo"
)

func main() {
	_ = godotenv.Load()
	driver := flag.String("driver", envOr("STORE_DRIVER", "sqlite3"), "store driver: sqlite3, sqlite, postgres or badger")
	dsn := flag.String("dsn", envOr("STORE_DSN", "duet.db"), "DSN or badger directory")
	as := flag.String("as", "", "list contacts as seen by this username")
	colours := flag.Bool("color", true, "colorize the online column")
	flag.Parse()

	if err := run(os.Stdout, *driver, *dsn, *as, *colours); err != nil {
		fmt.Fprintf(os.Stderr, "userlist: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(w io.Writer, driver, dsn, as string, colours bool) error {
	log := logs.GetLoggerFromString("WARN")
	s, err := backend.Open(driver, dsn, log)
	if err != nil {
		return err
	}
	defer s.Close()

	contacts, err := listContacts(context.Background(), s, as, time.Now())
	if err != nil {
		return err
	}
	render(w, contacts, colours)
	return nil
}

func listContacts(ctx context.Context, s store.Store, as string, now time.Time) ([]models.Contact, error) {
	excludeID := 0
	if as != "" {
		u, err := s.GetUserByUsername(ctx, as)
		if err != nil {
			return nil, fmt.Errorf("look up %q: %w", as, err)
		}
		excludeID = u.ID
	}
	users, err := s.ListUsers(ctx, excludeID)
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(u models.User, _ int) models.Contact {
		c := models.Contact{ID: u.ID, Username: u.Username, IsOnline: u.IsOnline, LastSeen: "online"}
		if !u.IsOnline {
			c.LastSeen = presence.FormatLastSeen(now, u.LastSeen)
		}
		return c
	}), nil
}

func render(w io.Writer, contacts []models.Contact, colours bool) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Username", "Online", "Last seen"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, c := range contacts {
		online := "no"
		if c.IsOnline {
			online = "yes"
			if colours {
				online = color.New(color.FgGreen, color.OpBold).Render(online)
			}
		}
		table.Append([]string{strconv.Itoa(c.ID), c.Username, online, c.LastSeen})
	}
	table.Render()
}
