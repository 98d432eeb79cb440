package agora

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/enescakir/emoji"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"

	"github.com/agora-chat/agora/types"
)

type rosterRow struct {
	Flair    string `header:"flair"`
	Username string `header:"username"`
	Address  string `header:"address"`
	Feed     string `header:"feed"`
	LastSeen string `header:"last seen"`
	Updater  string `header:"updater"`
}

// rosterFlairPool is sampled deterministically per address so everyone sees
// the same glyphs for the same participant.
var rosterFlairPool = []string{
	"🌻", "🌊", "🔥", "🌙", "🍀", "🎈", "🎨", "🐙", "🦉", "🌵",
	"🍉", "🪐", "🎷", "🧭", "🫧", "🐚", "🌈", "🍄", "🗿", "🫐",
}

// PrintRosterForever redraws the roster table every refreshRate seconds.
func (c *Chat) PrintRosterForever(refreshRate int) {
	for {
		c.PrintRoster()
		time.Sleep(time.Duration(refreshRate) * time.Second)
	}
}

// PrintRoster renders the active users as a table, with the mandated
// updater and everyone's feed position.
func (c *Chat) PrintRoster() {
	now := time.Now().UnixMilli()
	checkpoint := c.history.Current()

	users := c.ActiveUsers()
	rows := make([]rosterRow, 0, len(users))
	for _, user := range users {
		feed := "-"
		if user.Index >= 0 {
			feed = fmt.Sprintf("%d", user.Index)
		}
		lastSeen := fmt.Sprintf("%ds ago", (now-user.Ts)/1000)
		if user.Address == c.self {
			lastSeen = "-"
		}
		updater := ""
		if user.Address == checkpoint.Updater {
			updater = emoji.Parse(":camera_flash:")
		}
		rows = append(rows, rosterRow{
			Flair:    userFlair(user.Address),
			Username: string(user.Username),
			Address:  shortAddress(user.Address),
			Feed:     feed,
			LastSeen: lastSeen,
			Updater:  updater,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[j].Username > rows[i].Username
	})

	fmt.Println(emoji.Parse(fmt.Sprintf(":speech_balloon: %s: %d online, history gen %d", c.config.Topic, len(users), checkpoint.Gen)))

	printer := tableprinter.New(os.Stdout)
	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor
	printer.Print(rows)
}

// userFlair derives a stable two-glyph flair from an address.
func userFlair(address types.Address) string {
	hasher := sha256.New()
	hasher.Write([]byte(address))
	seed := int64(binary.BigEndian.Uint64(hasher.Sum(nil)[:8]))
	r := rand.New(rand.NewSource(seed))

	flair := ""
	for i := 0; i < 2; i++ {
		flair = flair + rosterFlairPool[r.Intn(len(rosterFlairPool))]
	}
	return flair
}

func shortAddress(address types.Address) string {
	s := string(address)
	if len(s) <= 10 {
		return s
	}
	return s[:10] + "…"
}
