package channel

// DefaultChannels returns the starter catalog seeded when no catalog file
// exists. newID supplies the ids.
func DefaultChannels(newID func() string) []Channel {
	return []Channel{
		{
			ID:      newID(),
			Name:    "BBC",
			URL:     "https://bcovlive-a.akamaihd.net/7f5ec16d102f4b5d92e8e27bc95ff424/us-east-1/6240731308001/playlist.m3u8",
			Avatar:  "https://upload.wikimedia.org/wikipedia/commons/4/41/BBC_Logo_2021.svg",
			Mode:    ModeProxy,
			Headers: Headers{},
		},
		{
			ID:      newID(),
			Name:    "BeIn Sports",
			URL:     "http://fl2.moveonjoy.com/BEIN_SPORTS/index.m3u8",
			Avatar:  "https://github.com/tv-logo/tv-logos/blob/main/countries/united-states/bein-sports-us.png?raw=true",
			Mode:    ModeProxy,
			Headers: Headers{},
		},
	}
}
