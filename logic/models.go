package logic

// Auth is one broker account.
type Auth struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Allow    bool   `yaml:"allow" json:"allow"`
}

// Filters maps topic filters to permissions (0 none, 1 read, 2 write, 3 read/write).
type Filters map[string]int

// ACL holds the topic filters of one broker account.
type ACL struct {
	Username string  `yaml:"username" json:"username"`
	Filters  Filters `yaml:"filters" json:"filters"`
}
