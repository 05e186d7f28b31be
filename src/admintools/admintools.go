package admintools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"grimstack.io/grim/src/auth"
	"grimstack.io/grim/src/comments"
	"grimstack.io/grim/src/config"
	"grimstack.io/grim/src/email"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/oops"
	"grimstack.io/grim/src/utils"
	"grimstack.io/grim/src/website"
)

type adminEnv struct {
	db       *kv.DB
	registry *expiry.Registry
	auth     *auth.Auth
	store    *comments.Store
}

func openEnv() *adminEnv {
	db, err := kv.Open(config.Config.DbPath)
	if err != nil {
		panic(oops.New(err, "failed to open database"))
	}
	registry := expiry.New(db)
	return &adminEnv{
		db:       db,
		registry: registry,
		auth:     auth.New(db, registry, config.Config.Auth),
		store:    comments.NewStore(db, config.Config.Comments),
	}
}

func (env *adminEnv) userID(ctx context.Context, username string) string {
	id, err := env.auth.UserIDByUsername(ctx, username)
	if errors.Is(err, auth.ErrNoSuchUser) {
		fmt.Printf("User '%s' not found\n", username)
		os.Exit(1)
	} else if err != nil {
		panic(err)
	}
	return id
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Println(string(out))
}

func init() {
	adminCommand := &cobra.Command{
		Use:   "admin",
		Short: "Miscellaneous admin commands",
	}
	website.WebsiteCommand.AddCommand(adminCommand)

	createUserCommand := &cobra.Command{
		Use:   "createuser [username] [email]",
		Short: "Creates a new, already verified user and prints a login link",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide a username and an email address.\n\n")
				cmd.Usage()
				os.Exit(1)
			}
			handle, _ := cmd.Flags().GetString("handle")

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			user, err := env.auth.CreateUser(ctx, args[0], handle, args[1])
			if errors.Is(err, auth.ErrTaken) || errors.Is(err, auth.ErrInvalid) {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			} else if err != nil {
				panic(err)
			}
			utils.Must(env.auth.VerifyUser(ctx, user.ID))
			token := utils.Must1(env.auth.CreatePreauthToken(ctx, user.ID))

			fmt.Printf("Created user '%s' with id %s\n", user.Username, user.ID)
			fmt.Printf("Log in within 15 minutes at /login/%s\n", token.ID)
		},
	}
	createUserCommand.Flags().String("handle", "", "Display handle for the user")
	adminCommand.AddCommand(createUserCommand)

	activateUserCommand := &cobra.Command{
		Use:   "activateuser [username]",
		Short: "Verifies a user manually so their account is not deleted",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a username.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			utils.Must(env.auth.VerifyUser(ctx, env.userID(ctx, args[0])))
			fmt.Printf("User has been successfully activated.\n\n")
		},
	}
	adminCommand.AddCommand(activateUserCommand)

	loginTokenCommand := &cobra.Command{
		Use:   "logintoken [username]",
		Short: "Prints a single-use login link for a user",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a username.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			token := utils.Must1(env.auth.CreatePreauthToken(ctx, env.userID(ctx, args[0])))
			fmt.Printf("/login/%s\n", token.ID)
		},
	}
	adminCommand.AddCommand(loginTokenCommand)

	userSetAdminCommand := &cobra.Command{
		Use:   "usersetadmin [username]",
		Short: "Give a user admin privileges",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a username.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			utils.Must(env.auth.MakeAdmin(ctx, env.userID(ctx, args[0])))
			fmt.Printf("%s is now an admin\n\n", args[0])
		},
	}
	adminCommand.AddCommand(userSetAdminCommand)

	sweepCommand := &cobra.Command{
		Use:   "sweep",
		Short: "Runs one pass of the expiry sweeper",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			fired, err := env.registry.Sweep(ctx)
			if err != nil {
				panic(oops.New(err, "sweep failed"))
			}
			fmt.Printf("Expired %d entries\n", fired)
		},
	}
	adminCommand.AddCommand(sweepCommand)

	commentTreeCommand := &cobra.Command{
		Use:   "commenttree [comment id]",
		Short: "Dumps the stored tree containing a comment as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a comment id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			tree, err := env.store.Tree(ctx, args[0])
			if errors.Is(err, comments.ErrNotFound) {
				fmt.Printf("Comment '%s' not found\n", args[0])
				os.Exit(1)
			} else if err != nil {
				panic(err)
			}
			printJSON(tree)
		},
	}
	adminCommand.AddCommand(commentTreeCommand)

	commentVisibilityCommand := &cobra.Command{
		Use:   "commentvisibility [comment id] [public/hidden]",
		Short: "Hide a comment from everyone but its author and admins, or show it again",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 || (args[1] != "public" && args[1] != "hidden") {
				fmt.Printf("You must provide a comment id and 'public' or 'hidden'.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			utils.Must(env.store.SetCommentPublic(ctx, args[0], args[1] == "public"))
			fmt.Printf("%s is now %s\n\n", args[0], args[1])
		},
	}
	adminCommand.AddCommand(commentVisibilityCommand)

	commentSettingsCommand := &cobra.Command{
		Use:   "commentsettings [root id] [settings json]",
		Short: "Prints a root post's comment settings, or replaces them",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 {
				fmt.Printf("You must provide a root post id.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			if len(args) > 1 {
				settings := comments.DefaultSettings(config.Config.Comments)
				if err := json.Unmarshal([]byte(args[1]), &settings); err != nil {
					fmt.Printf("Invalid settings: %v\n", err)
					os.Exit(1)
				}
				utils.Must(env.store.SaveSettings(ctx, args[0], settings))
			}

			printJSON(utils.Must1(env.store.Settings(ctx, args[0])))
		},
	}
	adminCommand.AddCommand(commentSettingsCommand)

	sendTestMailCommand := &cobra.Command{
		Use:   "sendtestmail [toAddress] [toName]",
		Short: "Sends a test mail through the configured mailer",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 2 {
				fmt.Printf("You must provide the recipient details.\n\n")
				cmd.Usage()
				os.Exit(1)
			}

			ctx := context.Background()
			env := openEnv()
			defer env.db.Close()

			sid, err := email.LogMailer{}.Send(ctx, email.Message{
				ToAddress: args[0],
				ToName:    args[1],
				Subject:   "Test mail",
				Body:      "This is a test.",
			})
			if err != nil {
				panic(oops.New(err, "Failed to send test email"))
			}
			utils.Must(email.NewTracker(env.db, env.registry).MarkStatus(ctx, sid, email.StatusSent))
			fmt.Printf("Sent, sid %s\n", sid)
		},
	}
	adminCommand.AddCommand(sendTestMailCommand)
}
