// Command seed loads the account fixtures and, with -demo, generates demo
// content.
package main

import (
	"context"
	"flag"
	"log"

	"lineage/internal/config"
	"lineage/internal/database"
	"lineage/internal/seed"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	demo := flag.Bool("demo", false, "Generate demo users, posts, comments and reviews")
	numUsers := flag.Int("users", 10, "Number of demo users")
	postsPerUser := flag.Int("posts", 5, "Posts per demo user")
	inactiveEvery := flag.Int("inactive-every", 7, "Hide every Nth demo post (0 keeps all active)")
	clean := flag.Bool("clean", false, "Delete all users and posts before seeding")
	fakerSeed := flag.Int64("seed", 0, "Random seed for reproducible demo data")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if *clean {
		if err := seed.ClearAll(ctx, db); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	fixtures, err := seed.LoadUserFixtures()
	if err != nil {
		log.Fatalf("Failed to load fixtures: %v", err)
	}
	created, err := seed.ApplyUserFixtures(ctx, db, fixtures, bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Fixture seeding failed: %v", err)
	}
	log.Printf("%d fixture users created", created)

	if !*demo {
		return
	}
	sum, err := seed.NewFactory(db, seed.Options{
		Users:         *numUsers,
		PostsPerUser:  *postsPerUser,
		InactiveEvery: *inactiveEvery,
		Seed:          *fakerSeed,
	}).Demo(ctx)
	if err != nil {
		log.Fatalf("Demo seeding failed: %v", err)
	}
	log.Printf("demo: %d users, %d posts (%d inactive), %d origins, %d comments, %d reviews",
		sum.Users, sum.Posts, sum.Inactive, sum.Origins, sum.Comments, sum.Reviews)
	log.Printf("all demo users have the password %q", seed.DemoPassword)
}
