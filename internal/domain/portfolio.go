package domain

// Portfolio is the read-only view of a user's portfolio pulled from the
// external CRUD service for deployment. Fields mirror what templates consume;
// the CRUD side owns the authoritative schema.
type Portfolio struct {
	ID         string       `json:"id"`
	UserID     string       `json:"userId"`
	Title      string       `json:"title"`
	Bio        string       `json:"bio"`
	Location   string       `json:"location"`
	AvatarURL  string       `json:"avatarUrl"`
	Published  bool         `json:"isPublished"`
	Projects   []Project    `json:"projects"`
	Experience []Experience `json:"experience"`
	Skills     []Skill      `json:"skills"`
	BlogPosts  []BlogPost   `json:"blogPosts"`
}

// Project is a portfolio project entry.
type Project struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Technologies []string `json:"technologies"`
	DemoURL      string   `json:"demoUrl"`
}

// Experience is one job history entry.
type Experience struct {
	JobTitle    string `json:"jobTitle"`
	CompanyName string `json:"companyName"`
	Description string `json:"description"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
}

// Skill is a named skill with proficiency.
type Skill struct {
	Name             string `json:"name"`
	ProficiencyLevel string `json:"proficiencyLevel"`
}

// BlogPost is a published blog entry summary.
type BlogPost struct {
	Title       string `json:"title"`
	Excerpt     string `json:"excerpt"`
	PublishedAt string `json:"publishedAt"`
}

// ContentPayload maps template slot names to assembled values.
type ContentPayload map[string]any
